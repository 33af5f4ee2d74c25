package domain

import "time"

type UsageLog struct {
	UserID          string
	GenerationID    string
	PixelsGenerated int64
	OutputBytes     int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
