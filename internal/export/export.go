// Package export uploads periodic JSON snapshots of the user table to
// object storage for offline billing/usage analytics.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chatgate/gatekeeper/internal/config"
	"github.com/chatgate/gatekeeper/internal/store"
)

// Exporter writes audit snapshots to an object storage bucket.
type Exporter struct {
	client     *minio.Client
	bucketName string
	store      store.Store
}

// New creates an exporter and ensures the bucket exists.
func New(cfg config.StorageConfig, s store.Store) (*Exporter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Exporter{client: client, bucketName: cfg.BucketName, store: s}, nil
}

// snapshot is the exported document. Tokens and refresh tokens are
// stripped; only the linked email survives into the audit trail.
type snapshot struct {
	ExportedAt time.Time      `json:"exported_at"`
	Users      []snapshotUser `json:"users"`
}

type snapshotUser struct {
	ID                    int64      `json:"id"`
	Role                  string     `json:"role"`
	SubscriptionPlan      string     `json:"subscription_plan,omitempty"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	SubscriptionChargeID  string     `json:"subscription_charge_id,omitempty"`
	TotalMessagesUsed     int64      `json:"total_messages_used"`
	TotalTokensUsed       int64      `json:"total_tokens_used"`
	TotalCostUSD          float64    `json:"total_cost_usd"`
	LinkedEmail           string     `json:"linked_email,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Export uploads one snapshot and returns its object name.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	users, err := e.store.ListAll(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list users for export: %w", err)
	}

	now := time.Now().UTC()
	doc := snapshot{ExportedAt: now, Users: make([]snapshotUser, 0, len(users))}
	for _, u := range users {
		su := snapshotUser{
			ID:                    u.ID,
			Role:                  string(u.Role),
			SubscriptionPlan:      string(u.SubscriptionPlan),
			SubscriptionExpiresAt: u.SubscriptionExpiresAt,
			SubscriptionChargeID:  u.SubscriptionChargeID,
			TotalMessagesUsed:     u.TotalMessagesUsed,
			TotalTokensUsed:       u.TotalTokensUsed,
			TotalCostUSD:          u.TotalCostUSD,
			CreatedAt:             u.CreatedAt,
		}
		if u.LinkedAccount != nil {
			su.LinkedEmail = u.LinkedAccount.Email
		}
		doc.Users = append(doc.Users, su)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	objectName := fmt.Sprintf("audit/users-%s.json", now.Format("2006-01-02T15-04-05Z"))
	_, err = e.client.PutObject(ctx, e.bucketName, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}

	return objectName, nil
}
