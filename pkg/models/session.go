package models

import "time"

// SessionState is the lifecycle state of the browser session
type SessionState string

const (
	StateUnstarted SessionState = "unstarted"
	StateLaunching SessionState = "launching"
	StateReady     SessionState = "ready"
	StateFailed    SessionState = "failed"
	StateClosed    SessionState = "closed"
)

// AuthStatus tracks whether the primary page is logged in
type AuthStatus string

const (
	AuthUnauthenticated     AuthStatus = "unauthenticated"
	AuthAwaitingManualLogin AuthStatus = "awaiting-manual-login"
	AuthAuthenticated       AuthStatus = "authenticated"
)

// LoginMode selects how the session gets authenticated when the marker is missing
type LoginMode string

const (
	LoginManual      LoginMode = "manual"
	LoginCredentials LoginMode = "credentials"
)

// SessionInfo is a read-only view of the process-wide session
type SessionInfo struct {
	State          SessionState `json:"state"`
	Auth           AuthStatus   `json:"auth"`
	LoginMode      LoginMode    `json:"loginMode"`
	Driver         string       `json:"driver"`
	ProfileDir     string       `json:"-"`
	InFlight       int          `json:"inFlight"`
	OpenTabs       int          `json:"openTabs"`
	MaxConcurrent  int          `json:"maxConcurrent"`
	Captures       int64        `json:"captures"`
	Failures       int64        `json:"failures"`
	StartedAt      time.Time    `json:"startedAt,omitempty"`
	ReadyAt        time.Time    `json:"readyAt,omitempty"`
	LastError      string       `json:"lastError,omitempty"`
	DebuggerAttach bool         `json:"debuggerAttach"`
}
