// Package model provides domain types shared across packages.
package model

import "time"

// Server is an upstream OpenAI-compatible completion endpoint.
type Server struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	APIKey      string    `json:"-"`
	IsConnected bool      `json:"isConnected"`
	LastChecked time.Time `json:"lastChecked,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Models      []string  `json:"models,omitempty"`
}

// ServerDirectory resolves server ids. Unknown ids report false.
type ServerDirectory interface {
	ServerByID(id string) (Server, bool)
}
