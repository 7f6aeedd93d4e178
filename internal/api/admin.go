package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"chatter/internal/auth"
	"chatter/internal/content"
	"chatter/internal/storage"
)

type AdminHandler struct {
	authService *auth.Issuer
	storage     *storage.BboltStorage
}

func NewAdminHandler(authService *auth.Issuer, storage *storage.BboltStorage) *AdminHandler {
	return &AdminHandler{authService: authService, storage: storage}
}

type AddUserRequest struct {
	Username string `json:"username"`
}

type AddUserResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Username    string `json:"username,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{Message: err.Error()})
		return
	}

	user, err := h.storage.CreateUser(req.Username)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	// Create DMs for the new user
	if others, err := h.storage.ListUsers(); err == nil {
		for _, other := range others {
			if other.ID == user.ID {
				continue
			}
			if _, err := h.storage.CreateDM(user.ID, other.ID); err != nil {
				log.Printf("failed to create DM between %s and %s: %v", user.ID, other.ID, err)
			}
		}
	}

	h.writeToken(w, user.ID, user.Username)
}

// TokenHandler issues a fresh token for an existing user.
func (h *AdminHandler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.storage.GetUser(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeToken(w, user.ID, user.Username)
}

func (h *AdminHandler) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := h.storage.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *AdminHandler) writeToken(w http.ResponseWriter, userID, username string) {
	token, expiry, err := h.authService.Issue(userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, AddUserResponse{
			Message: fmt.Sprintf("Failed to issue token: %v", err),
		})
		return
	}
	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:     true,
		UserID:      userID,
		Username:    username,
		Token:       token,
		TokenExpiry: expiry.Unix(),
	})
}
