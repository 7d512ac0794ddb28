package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/deqlabs/deq/internal/store"
)

// retentionDays bounds how much per-device history is kept on disk.
const retentionDays = 400

type historyStore struct{ s *Store }

func (h *historyStore) file(deviceID string) string {
	return filepath.Join(h.s.historyDir, deviceID+".json")
}

func (h *historyStore) Load(ctx context.Context, deviceID string) (map[string]store.DayHistory, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.loadLocked(deviceID)
}

func (h *historyStore) loadLocked(deviceID string) (map[string]store.DayHistory, error) {
	data, err := os.ReadFile(h.file(deviceID))
	if os.IsNotExist(err) {
		return map[string]store.DayHistory{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	history := map[string]store.DayHistory{}
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parsing history for %s: %w", deviceID, err)
	}
	return history, nil
}

// Record stores an hourly cpu/temp sample, keeping the latest sample per hour
// and trimming days older than the retention window.
func (h *historyStore) Record(ctx context.Context, deviceID string, cpu int, temp *int) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	history, err := h.loadLocked(deviceID)
	if err != nil {
		return err
	}

	now := time.Now()
	today := now.Format("2006-01-02")
	hour := strconv.Itoa(now.Hour())

	day, ok := history[today]
	if !ok {
		day = store.DayHistory{Hourly: map[string]store.HourSample{}}
	}
	if day.Hourly == nil {
		day.Hourly = map[string]store.HourSample{}
	}
	day.Hourly[hour] = store.HourSample{CPU: cpu, Temp: temp}
	day.Totals.Samples++
	day.Totals.CPUSum += cpu
	if temp != nil && *temp > day.Totals.TempMax {
		day.Totals.TempMax = *temp
	}
	history[today] = day

	cutoff := now.AddDate(0, 0, -retentionDays).Format("2006-01-02")
	for date := range history {
		if date < cutoff {
			delete(history, date)
		}
	}

	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	if err := os.WriteFile(h.file(deviceID), data, 0o600); err != nil {
		return fmt.Errorf("writing history: %w", err)
	}
	return nil
}
