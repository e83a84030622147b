// Package sse frames batch events as server-sent events and reads them back.
//
// Every event is a single "data: <json>\n\n" frame whose JSON object carries a
// "type" discriminant: config, progress, complete or error.
package sse

import (
	"github.com/cuongbtq/parallax-avatar/internal/grid"
)

const (
	TypeConfig   = "config"
	TypeProgress = "progress"
	TypeComplete = "complete"
	TypeError    = "error"
)

// Message is the decoded form of any wire event. Fields irrelevant to Type are zero.
type Message struct {
	Type string `json:"type"`

	// config
	XSteps        int     `json:"xSteps,omitempty"`
	YSteps        int     `json:"ySteps,omitempty"`
	Prefix        string  `json:"prefix,omitempty"`
	TotalImages   int     `json:"totalImages,omitempty"`
	EstimatedCost float64 `json:"estimatedCost,omitempty"`

	// progress
	Completed   int             `json:"completed,omitempty"`
	Total       int             `json:"total,omitempty"`
	Index       int             `json:"index,omitempty"`
	Step        *grid.FrameSpec `json:"step,omitempty"`
	ImageBase64 string          `json:"imageBase64,omitempty"`
	Status      string          `json:"status,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

type configWire struct {
	Type          string  `json:"type"`
	XSteps        int     `json:"xSteps"`
	YSteps        int     `json:"ySteps"`
	Prefix        string  `json:"prefix"`
	TotalImages   int     `json:"totalImages"`
	EstimatedCost float64 `json:"estimatedCost"`
}

type progressWire struct {
	Type        string         `json:"type"`
	Completed   int            `json:"completed"`
	Total       int            `json:"total"`
	Index       int            `json:"index"`
	Step        grid.FrameSpec `json:"step"`
	ImageBase64 string         `json:"imageBase64"`
	Status      string         `json:"status"`
}

type completeWire struct {
	Type string `json:"type"`
}

type errorWire struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
