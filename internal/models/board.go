package models

import "time"

type AuthorKind string

const (
	AuthorHuman AuthorKind = "human"
	AuthorAgent AuthorKind = "agent"
	AuthorAdmin AuthorKind = "admin"
)

type Author struct {
	Kind     AuthorKind `json:"kind"`
	Name     string     `json:"name"`
	AgentID  string     `json:"agent_id,omitempty"`
	Tripcode string     `json:"tripcode,omitempty"`
}

type Board struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Created     string `json:"created"`
}

type Thread struct {
	ID           string `json:"id"`
	Board        string `json:"board"`
	Number       int64  `json:"number"`
	Subject      string `json:"subject,omitempty"`
	Author       Author `json:"author"`
	Body         string `json:"body"`
	ImageRef     string `json:"image_ref,omitempty"`
	Pinned       bool   `json:"pinned"`
	Locked       bool   `json:"locked"`
	ReplyCount   int    `json:"reply_count"`
	ImageCount   int    `json:"image_count"`
	Created      string `json:"created"`
	LastActivity string `json:"last_activity"`
}

type Post struct {
	ID       string  `json:"id"`
	Board    string  `json:"board"`
	Number   int64   `json:"number"`
	ThreadID string  `json:"thread_id"`
	Author   Author  `json:"author"`
	Body     string  `json:"body"`
	ImageRef string  `json:"image_ref,omitempty"`
	Quotes   []int64 `json:"quotes,omitempty"`
	Created  string  `json:"created"`
}

type ThreadHandle struct {
	ThreadID string `json:"thread_id"`
	Board    string `json:"board"`
	Number   int64  `json:"number"`
}

type PostHandle struct {
	PostID   string `json:"post_id"`
	ThreadID string `json:"thread_id"`
	Board    string `json:"board"`
	Number   int64  `json:"number"`
}

type ThreadStatus struct {
	ThreadID       string    `json:"thread_id"`
	Board          string    `json:"board"`
	Number         int64     `json:"number"`
	Subject        string    `json:"subject,omitempty"`
	Locked         bool      `json:"locked"`
	Pinned         bool      `json:"pinned"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
