package model

import (
	"time"
)

const (
	DefaultFormat          = FormatAudio
	DefaultQuality         = QualityHigh
	DefaultPageSize        = 50
	DefaultInitialCount    = 3
	DefaultFilteredCount   = 5
	DefaultAsyncThreshold  = 10
	DefaultMaxPerRefresh   = 5
	DefaultMaxPages        = 20
	DefaultMaxRetries      = 3
	DefaultExecutorWorkers = 1
	DefaultExecutorQueue   = 10
	DefaultSyncWorkers     = 2
	DefaultSyncQueue       = 3
	DefaultLogMaxSize      = 50 // megabytes
	DefaultLogMaxAge       = 30 // days
	DefaultLogMaxBackups   = 7
	DefaultAdmission       = 30 * time.Second
	DefaultRefresh         = time.Hour
	DefaultCleanup         = 2 * time.Hour
)
