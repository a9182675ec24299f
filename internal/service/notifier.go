package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bilalesi/auth-vault-sub000/internal/vault"
)

// taskNotification is the JSON body POSTed to the external task service when
// an offline token settles. The vault carries taskId as opaque metadata only
// — no task logic lives here.
type taskNotification struct {
	TaskID            string `json:"taskId"`
	PersistentTokenID string `json:"persistentTokenId"`
	UserID            string `json:"userId"`
	Status            string `json:"status"`
	Timestamp         string `json:"timestamp"`
}

// TaskNotifier delivers best-effort notifications about offline-token
// activation to an external task service over HTTP POST.
type TaskNotifier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewTaskNotifier creates a TaskNotifier targeting url.
func NewTaskNotifier(url string, logger *zap.Logger) *TaskNotifier {
	return &TaskNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("task_notifier"),
	}
}

// Notify POSTs the entry's settlement to the task service. Non-2xx responses
// are delivery failures; the caller treats all failures as non-fatal.
func (n *TaskNotifier) Notify(ctx context.Context, entry *vault.Entry) error {
	data, err := json.Marshal(taskNotification{
		TaskID:            entry.TaskID,
		PersistentTokenID: entry.ID.String(),
		UserID:            entry.UserID,
		Status:            string(entry.Status),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling task notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building task notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("task notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("task service returned status %d", resp.StatusCode)
	}
	return nil
}

// notifyTask fires the task-service notification without ever blocking or
// failing the consent flow. Entries whose task handle is the self-assigned
// entry id have no external workload to notify.
func (s *Service) notifyTask(ctx context.Context, entry *vault.Entry) {
	if s.notifier == nil || entry.TaskID == "" || entry.TaskID == entry.ID.String() {
		return
	}
	if err := s.notifier.Notify(ctx, entry); err != nil {
		s.logger.Warn("task service notification failed",
			zap.String("task_id", entry.TaskID),
			zap.Error(err))
	}
}
