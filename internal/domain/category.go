package domain

import "time"

// Category carries the SLA configuration used to compute ticket deadlines.
type Category struct {
	ID                    int64
	Name                  string
	SLAFirstResponseHours int
	SLAResolutionHours    int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// FirstResponseWindow returns the first-response SLA as a duration.
func (c *Category) FirstResponseWindow() time.Duration {
	return time.Duration(c.SLAFirstResponseHours) * time.Hour
}

// ResolutionWindow returns the resolution SLA as a duration.
func (c *Category) ResolutionWindow() time.Duration {
	return time.Duration(c.SLAResolutionHours) * time.Hour
}
