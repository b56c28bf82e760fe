package models

import "time"

// ScreenshotRequest is one inbound capture call
type ScreenshotRequest struct {
	URL      string `json:"url"`
	FullPage *bool  `json:"fullPage,omitempty"`
	Inline   bool   `json:"inline,omitempty"`
}

// ScreenshotResult is the artifact produced by a successful capture
type ScreenshotResult struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	URL        string    `json:"url"`
	TargetURL  string    `json:"targetUrl"`
	FullPage   bool      `json:"fullPage"`
	Size       int       `json:"size"`
	CapturedAt time.Time `json:"capturedAt"`
	Data       []byte    `json:"-"`
}

// ScreenshotResponse is the JSON body of POST /api/screenshot
type ScreenshotResponse struct {
	Success       bool   `json:"success"`
	ScreenshotURL string `json:"screenshotUrl,omitempty"`
	ID            string `json:"id,omitempty"`
	Screenshot    string `json:"screenshot,omitempty"` // base64, only when inline was requested
	Message       string `json:"message,omitempty"`
}

// CaptureEvent is published after every capture attempt
type CaptureEvent struct {
	ID         string    `json:"id,omitempty"`
	TargetURL  string    `json:"targetUrl"`
	URL        string    `json:"url,omitempty"`
	Size       int       `json:"size,omitempty"`
	FullPage   bool      `json:"fullPage"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs"`
	At         time.Time `json:"at"`
}
