package streams

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"calsync-cloud/calendar"
)

const (
	streamKeyFormat   = "user:%s:sync"
	defaultBlock      = 5 * time.Second
	defaultBatchCount = 50
	defaultMaxLen     = 200
)

// Entry is one sync status message read back from a user's feed.
type Entry struct {
	ID     string              `json:"id"`
	UserID string              `json:"user_id"`
	Report calendar.SyncReport `json:"report"`
}

// SyncFeed is the per-user sync status stream. It implements calendar.ReportSink.
type SyncFeed struct {
	client *redis.Client
	maxLen int64
	block  time.Duration
}

func NewSyncFeed(client *redis.Client) *SyncFeed {
	return &SyncFeed{client: client, maxLen: defaultMaxLen, block: defaultBlock}
}

// StreamKey returns the status stream key for a user.
func StreamKey(userID string) string {
	return fmt.Sprintf(streamKeyFormat, userID)
}

// PublishSyncReport appends report to the user's feed, trimming old entries.
func (f *SyncFeed) PublishSyncReport(ctx context.Context, report calendar.SyncReport) error {
	if f == nil || f.client == nil {
		return fmt.Errorf("sync feed not configured")
	}
	if strings.TrimSpace(report.UserID) == "" {
		return fmt.Errorf("sync feed: report without user id")
	}

	values := map[string]any{
		"mode":         report.Mode,
		"status":       report.Status,
		"upserted":     report.Upserted,
		"deleted":      report.Deleted,
		"skipped":      report.Skipped,
		"cursor_reset": strconv.FormatBool(report.CursorReset),
		"started_at":   report.StartedAt.UTC().Format(time.RFC3339Nano),
		"finished_at":  report.FinishedAt.UTC().Format(time.RFC3339Nano),
	}
	if report.Error != "" {
		values["error"] = report.Error
	}

	if err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(report.UserID),
		MaxLen: f.maxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("append sync status for %s: %w", report.UserID, err)
	}
	return nil
}

// Tail blocks for entries after afterID and returns them with the latest ID observed.
// An empty afterID waits for entries newer than the call.
func (f *SyncFeed) Tail(ctx context.Context, userID, afterID string) ([]Entry, string, error) {
	if f == nil || f.client == nil {
		return nil, afterID, fmt.Errorf("sync feed not configured")
	}
	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := f.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(userID), afterID},
		Count:   defaultBatchCount,
		Block:   f.block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}

	entries := make([]Entry, 0)
	nextID := afterID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entries = append(entries, Entry{
				ID:     msg.ID,
				UserID: userID,
				Report: decodeReport(userID, msg.Values),
			})
			nextID = msg.ID
		}
	}
	return entries, nextID, nil
}

func decodeReport(userID string, values map[string]any) calendar.SyncReport {
	return calendar.SyncReport{
		UserID:      userID,
		Mode:        stringVal(values["mode"]),
		Status:      stringVal(values["status"]),
		Upserted:    intVal(values["upserted"]),
		Deleted:     intVal(values["deleted"]),
		Skipped:     intVal(values["skipped"]),
		CursorReset: stringVal(values["cursor_reset"]) == "true",
		Error:       stringVal(values["error"]),
		StartedAt:   timeVal(values["started_at"]),
		FinishedAt:  timeVal(values["finished_at"]),
	}
}

func stringVal(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}

func intVal(v any) int {
	n, err := strconv.Atoi(stringVal(v))
	if err != nil {
		return 0
	}
	return n
}

func timeVal(v any) time.Time {
	t, err := time.Parse(time.RFC3339Nano, stringVal(v))
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ calendar.ReportSink = (*SyncFeed)(nil)
