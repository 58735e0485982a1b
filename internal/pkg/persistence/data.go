package persistence

import (
	"database/sql"
	"time"
)

type (
	// Segment is one transcript piece
	Segment struct {
		Text     string  `json:"text"`
		Start    float64 `json:"start"`
		Duration float64 `json:"duration"`
	}

	// Job is transcription_jobs table
	Job struct {
		ID         string
		UserID     string
		VideoID    string
		AnalysisID sql.NullString

		Status          string
		Progress        int32
		CurrentStage    sql.NullString
		TotalChunks     sql.NullInt32
		CompletedChunks sql.NullInt32

		DurationSec       int32
		EstimatedMinutes  int32
		SubscriptionLimit int32
		PeriodStart       sql.NullTime
		PeriodEnd         sql.NullTime
		AudioPath         sql.NullString
		Transcript        []Segment
		Language          sql.NullString

		Error     sql.NullString
		ErrorCode sql.NullString

		LeaseExpires sql.NullTime
		Attempt      int32

		Created   time.Time
		Started   sql.NullTime
		Completed sql.NullTime
		Updated   time.Time
	}

	// Profile is profiles table
	Profile struct {
		ID           string
		Tier         string
		Email        sql.NullString
		TopupMinutes int32
		PeriodAnchor sql.NullTime
		Created      time.Time
	}

	// UsageRecord is usage_records table
	UsageRecord struct {
		JobID       string
		UserID      string
		Minutes     int32
		Source      string
		PeriodStart sql.NullTime
		PeriodEnd   sql.NullTime
		Created     time.Time
	}

	// TopupPurchase is topup_purchases table
	TopupPurchase struct {
		PaymentIntentID string
		UserID          string
		Minutes         int32
		AmountPaid      int64
		Created         time.Time
	}
)
