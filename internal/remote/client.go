// Package remote uploads audio segments to the transcription service
// and implements the request-level retry policy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/scribelab/scribed/internal/config"
	"github.com/scribelab/scribed/internal/segment"
)

// Result is a successful transcription response.
type Result struct {
	Transcript string
}

// Client performs one upload-and-transcribe call per segment.
type Client interface {
	Upload(ctx context.Context, seg segment.Segment) (Result, error)
}

type envelope struct {
	Success bool `json:"success"`
	Data    *struct {
		TranscriptText string `json:"transcript_text"`
	} `json:"data"`
	Err *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type httpClient struct {
	endpoint string
	token    string
	hc       *http.Client
}

// NewHTTPClient builds the production client for cfg.Endpoint.
func NewHTTPClient(cfg config.RemoteConfig) Client {
	return &httpClient{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		hc:       &http.Client{Timeout: time.Duration(cfg.UploadTimeout) * time.Millisecond},
	}
}

func (c *httpClient) Upload(ctx context.Context, seg segment.Segment) (Result, error) {
	f, err := os.Open(seg.AudioPath)
	if err != nil {
		return Result{}, fmt.Errorf("open segment audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("session_id", seg.SessionID); err != nil {
		return Result{}, err
	}
	if err := mw.WriteField("segment_index", strconv.Itoa(seg.Index)); err != nil {
		return Result{}, err
	}
	fw, err := mw.CreateFormFile("audio_file", filepath.Base(seg.AudioPath))
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return Result{}, err
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.hc.Do(req)
	if err != nil {
		return Result{}, &Error{Code: codeTransport, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	var env envelope
	if decodeErr := json.NewDecoder(resp.Body).Decode(&env); decodeErr != nil {
		if resp.StatusCode >= 300 {
			return Result{}, &Error{
				StatusCode: resp.StatusCode,
				Message:    http.StatusText(resp.StatusCode),
				Retryable:  classifyStatus(resp.StatusCode),
			}
		}
		return Result{}, &Error{Code: codeTransport, Message: decodeErr.Error(), Retryable: true}
	}

	if !env.Success || env.Data == nil {
		ue := &Error{StatusCode: resp.StatusCode}
		if env.Err != nil {
			// The envelope code decides when present; the HTTP status is the
			// fallback classification.
			ue.Code = env.Err.Code
			ue.Message = env.Err.Message
			ue.Retryable = classifyCode(env.Err.Code)
		} else {
			ue.Message = http.StatusText(resp.StatusCode)
			ue.Retryable = classifyStatus(resp.StatusCode)
		}
		return Result{}, ue
	}

	return Result{Transcript: env.Data.TranscriptText}, nil
}
