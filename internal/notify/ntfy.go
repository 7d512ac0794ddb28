package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/deqlabs/deq/internal/models"
)

// ntfy priorities range from 1 (min) to 5 (max); 3 is normal.
var ntfyPriority = map[Level]int{
	LevelInfo:     2,
	LevelWarning:  3,
	LevelError:    4,
	LevelCritical: 5,
}

var ntfyTags = map[Level][]string{
	LevelInfo:     {"information_source"},
	LevelWarning:  {"warning"},
	LevelError:    {"x"},
	LevelCritical: {"rotating_light", "skull"},
}

// ntfyProvider publishes messages to an ntfy topic via its HTTP API.
type ntfyProvider struct {
	cfg    models.NtfySettings
	client *http.Client
}

func (p *ntfyProvider) Name() string { return "ntfy" }

func (p *ntfyProvider) Send(ctx context.Context, msg Message) error {
	server := strings.TrimRight(p.cfg.Server, "/")
	if server == "" {
		server = "https://ntfy.sh"
	}
	url := server + "/" + p.cfg.Topic

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(msg.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Title", msg.Title)
	priority, ok := ntfyPriority[msg.Level]
	if !ok {
		priority = 3
	}
	req.Header.Set("Priority", strconv.Itoa(priority))
	if tags := ntfyTags[msg.Level]; len(tags) > 0 {
		req.Header.Set("Tags", strings.Join(tags, ","))
	}
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to ntfy: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ntfy returned HTTP %d", resp.StatusCode)
	}
	return nil
}
