package connector

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/dshills/convosearch/pkg/types"
)

// FormatCanonical is the name of the built-in JSONL format
const FormatCanonical = "canonical"

// maxLineBytes bounds a single JSONL line
const maxLineBytes = 16 << 20

// maxTitleRunes bounds titles derived from the first user message
const maxTitleRunes = 80

// Canonical normalizes the canonical JSONL message stream
type Canonical struct{}

type canonicalLine struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Title     string          `json:"title"`
	Project   string          `json:"project"`
	Tool      string          `json:"tool"`
	CreatedAt string          `json:"created_at"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Normalize implements Normalizer
func (Canonical) Normalize(ctx context.Context, src Source, path string, data []byte) (*types.Conversation, []types.Message, error) {
	conv := &types.Conversation{
		FilePath: path,
		Tool:     src.Tool,
	}
	var sessionID string
	var messages []types.Message

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo%1000 == 0 && ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line canonicalLine
		if err := json.Unmarshal(raw, &line); err != nil {
			// Partially written trailing lines are common while a tool is still appending
			continue
		}
		if sessionID == "" && line.SessionID != "" {
			sessionID = line.SessionID
		}

		if line.Type == "conversation" {
			applyHeader(conv, &line)
			continue
		}
		if line.Role == "" {
			continue
		}

		text := decodeContent(line.Content)
		if strings.TrimSpace(text) == "" {
			continue
		}
		messages = append(messages, types.Message{
			Index:     len(messages),
			Role:      types.Role(strings.ToLower(line.Role)),
			Content:   text,
			Timestamp: parseTime(line.Timestamp),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "reading %s", path)
	}
	if len(messages) == 0 {
		return nil, nil, errors.Wrapf(ErrNoMessages, "%s", path)
	}

	if conv.ID == "" {
		conv.ID = sessionID
	}
	if conv.ID == "" {
		conv.ID = PathID(path)
	}
	if conv.Title == "" {
		conv.Title = deriveTitle(messages)
	}
	if conv.Project == "" {
		conv.Project = deriveProject(src.Root, path)
	}
	fillTimes(conv, messages)
	conv.MessageCount = len(messages)

	return conv, messages, nil
}

func applyHeader(conv *types.Conversation, line *canonicalLine) {
	if line.ID != "" {
		conv.ID = line.ID
	}
	if line.Title != "" {
		conv.Title = line.Title
	}
	if line.Project != "" {
		conv.Project = line.Project
	}
	if line.Tool != "" {
		conv.Tool = line.Tool
	}
	if t := parseTime(line.CreatedAt); !t.IsZero() {
		conv.CreatedAt = t
	}
}

// decodeContent accepts either a JSON string or an array of typed parts
func decodeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if (p.Type == "" || p.Type == "text") && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func fillTimes(conv *types.Conversation, messages []types.Message) {
	for _, m := range messages {
		if m.Timestamp.IsZero() {
			continue
		}
		if conv.CreatedAt.IsZero() || m.Timestamp.Before(conv.CreatedAt) {
			conv.CreatedAt = m.Timestamp
		}
		if m.Timestamp.After(conv.UpdatedAt) {
			conv.UpdatedAt = m.Timestamp
		}
	}
	if conv.UpdatedAt.IsZero() || conv.UpdatedAt.Before(conv.CreatedAt) {
		conv.UpdatedAt = conv.CreatedAt
	}
}

func deriveTitle(messages []types.Message) string {
	pick := messages[0].Content
	for _, m := range messages {
		if m.Role == types.RoleUser {
			pick = m.Content
			break
		}
	}
	line, _, _ := strings.Cut(strings.TrimSpace(pick), "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
}

// deriveProject names the first directory below root, or the root itself
func deriveProject(root, path string) string {
	if root != "" {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			parts := strings.Split(filepath.ToSlash(rel), "/")
			if len(parts) > 1 {
				return parts[0]
			}
			return filepath.Base(root)
		}
	}
	return filepath.Base(filepath.Dir(path))
}

// PathID derives a stable conversation id from a file path
func PathID(path string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(path)))
	return hex.EncodeToString(sum[:8])
}
