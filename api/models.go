package api

import "time"

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// LoginRequest is the JSON or form body for POST /auth/login.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,max=1024"`
	CSRFToken string `json:"csrf_token"`
}

// LoginResponse is returned from a successful POST /auth/login.
type LoginResponse struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LoginFailureResponse is the 401 body for a wrong email or password.
type LoginFailureResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	AttemptsLeft int    `json:"attemptsLeft"`
}

// SessionResponse is returned from GET /auth/session.
type SessionResponse struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CSRFResponse is returned from GET /csrf.
type CSRFResponse struct {
	CSRFToken string `json:"csrf_token"`
}
