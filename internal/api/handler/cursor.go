package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/parallax-avatar/internal/history"
)

// DecodeBatchCursor parses an opaque page cursor. An empty string means the first page.
func DecodeBatchCursor(cursorStr string) (*history.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	createdPart, batchID, found := strings.Cut(string(decoded), "|")
	if !found || batchID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(createdPart, "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &history.Cursor{
		CreatedAt: time.Unix(0, createdAt),
		BatchID:   batchID,
	}, nil
}

func EncodeBatchCursor(cursor *history.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.BatchID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
