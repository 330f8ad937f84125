// Package ingest relays document and chat events to the external
// workflow engine that handles text extraction, embedding, and
// retrieval-augmented answering.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable indicates the workflow engine could not be reached or
// answered with a server error. Callers treat it as retryable, never as
// a denial.
var ErrUnavailable = errors.New("workflow engine unavailable")

type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.URL,
		secret:  cfg.Secret,
		http:    &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a workflow URL was provided. Document
// uploads still succeed without one; they just stay pending.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

type uploadEvent struct {
	Event       string `json:"event"`
	DocumentID  string `json:"document_id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	DownloadURL string `json:"download_url"`
}

// NotifyUpload tells the engine a new document is ready for ingestion.
func (c *Client) NotifyUpload(ctx context.Context, documentID, fileName, contentType, downloadURL string) error {
	return c.post(ctx, "/ingest", uploadEvent{
		Event:       "document.uploaded",
		DocumentID:  documentID,
		FileName:    fileName,
		ContentType: contentType,
		DownloadURL: downloadURL,
	}, nil)
}

type deleteEvent struct {
	Event      string `json:"event"`
	DocumentID string `json:"document_id"`
}

// NotifyDelete tells the engine to drop a document from its index.
func (c *Client) NotifyDelete(ctx context.Context, documentID string) error {
	return c.post(ctx, "/ingest", deleteEvent{
		Event:      "document.deleted",
		DocumentID: documentID,
	}, nil)
}

type chatRequest struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	Message        string   `json:"message"`
	FolderIDs      []string `json:"folder_ids"`
}

// ChatReply is the engine's answer along with the documents it cited.
type ChatReply struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

// Chat relays a user message to the engine. The identity and the
// accessible folder set are asserted by the server, never taken from
// the client request.
func (c *Client) Chat(ctx context.Context, conversationID, userID, message string, folderIDs []string) (*ChatReply, error) {
	if folderIDs == nil {
		folderIDs = []string{}
	}
	var reply ChatReply
	err := c.post(ctx, "/chat", chatRequest{
		ConversationID: conversationID,
		UserID:         userID,
		Message:        message,
		FolderIDs:      folderIDs,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	if c.baseURL == "" {
		return ErrUnavailable
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("workflow engine rejected request: status %d: %s", resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
