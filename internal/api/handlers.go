package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"

	"chatter/internal/auth"
	"chatter/internal/content"
	"chatter/internal/filestore"
	"chatter/internal/models"
	"chatter/internal/storage"
	"chatter/internal/ws"
)

type API struct {
	auth    *auth.Issuer
	storage *storage.BboltStorage
	files   filestore.FileStore
}

func New(auth *auth.Issuer, storage *storage.BboltStorage, files filestore.FileStore) *API {
	return &API{auth: auth, storage: storage, files: files}
}

type PresenceRequest struct {
	Status models.Presence `json:"status"`
}

type ChannelRequest struct {
	Name string `json:"name"`
}

type UserRequest struct {
	UserID string `json:"user_id"`
}

type PostMessageRequest struct {
	ChannelID string   `json:"channel_id,omitempty"`
	DMID      string   `json:"dm_id,omitempty"`
	ParentID  string   `json:"parent_id,omitempty"`
	Content   string   `json:"content"`
	FileIDs   []string `json:"file_ids,omitempty"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

type ReactionResponse struct {
	Added bool `json:"added"`
}

type AttachRequest struct {
	FileID string `json:"file_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ctxKey struct{}

// UserID returns the authenticated user of a request that passed RequireAuth.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.Verify(ws.RequestToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	}
}

// RequireSameOrigin rejects browser requests whose Origin does not match the
// host. Requests without an Origin header come from non-browser clients.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidPresence),
		errors.Is(err, storage.ErrInvalidMessage),
		errors.Is(err, storage.ErrUserExists),
		errors.Is(err, content.ErrEmptyMessage),
		errors.Is(err, content.ErrMessageTooLong),
		errors.Is(err, content.ErrInvalidChannel),
		errors.Is(err, models.ErrInvalidKey),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, filestore.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	}
	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

var errBadRequest = errors.New("invalid request body")

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest
	}
	return nil
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := ws.RequestToken(r); token != "" {
		_ = a.auth.Revoke(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

// Users.

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.storage.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) UserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.storage.GetUser(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.storage.GetUser(UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	var req PresenceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := a.storage.SetUserStatus(UserID(r.Context()), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// PeersHandler lists the users sharing a channel ("channels") or a direct
// conversation ("dms") with the caller.
func (a *API) PeersHandler(w http.ResponseWriter, r *http.Request) {
	self := UserID(r.Context())
	var (
		peers []models.User
		err   error
	)
	switch r.PathValue("kind") {
	case "channels":
		peers, err = a.storage.ChannelPeers(self)
	case "dms":
		peers, err = a.storage.DMPeers(self)
	default:
		err = models.ErrNotFound
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

// Channels.

func (a *API) ChannelsHandler(w http.ResponseWriter, r *http.Request) {
	channels, err := a.storage.ListChannels(UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (a *API) CreateChannelHandler(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := content.ValidateChannelName(req.Name); err != nil {
		writeError(w, err)
		return
	}
	ch, err := a.storage.CreateChannel(req.Name, UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (a *API) RenameChannelHandler(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := content.ValidateChannelName(req.Name); err != nil {
		writeError(w, err)
		return
	}
	ch, err := a.storage.RenameChannel(r.PathValue("id"), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (a *API) DeleteChannelHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.storage.DeleteChannel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) MembersHandler(w http.ResponseWriter, r *http.Request) {
	members, err := a.storage.ListMembers(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (a *API) AddMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.storage.AddMember(r.PathValue("id"), req.UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.storage.RemoveMember(r.PathValue("id"), r.PathValue("userID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Direct messages.

func (a *API) DMsHandler(w http.ResponseWriter, r *http.Request) {
	dms, err := a.storage.ListDMs(UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dms)
}

func (a *API) CreateDMHandler(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	dm, err := a.storage.CreateDM(UserID(r.Context()), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dm)
}

// Messages.

func (a *API) ConversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	key, err := models.ParseConversationKey(r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := a.storage.ListMessages(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (a *API) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	text, err := content.Message(req.Content)
	if err != nil && !(errors.Is(err, content.ErrEmptyMessage) && len(req.FileIDs) > 0) {
		writeError(w, err)
		return
	}

	msg, err := a.storage.PostMessage(models.Message{
		ChannelID: req.ChannelID,
		DMID:      req.DMID,
		ParentID:  req.ParentID,
		UserID:    UserID(r.Context()),
		Content:   text,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	for _, fileID := range req.FileIDs {
		if _, err := a.storage.AttachFile(msg.ID, fileID); err != nil {
			writeError(w, err)
			return
		}
	}

	joined, err := a.storage.GetMessage(msg.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, joined)
}

func (a *API) GetMessageHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := a.storage.GetMessage(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) EditMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	text, err := content.Message(req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := a.storage.EditMessage(r.PathValue("id"), text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.storage.DeleteMessage(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ReactionsHandler(w http.ResponseWriter, r *http.Request) {
	reactions, err := a.storage.ListReactions(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reactions)
}

func (a *API) ToggleReactionHandler(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if err := decode(r, &req); err != nil || req.Emoji == "" {
		writeError(w, errBadRequest)
		return
	}
	added, err := a.storage.ToggleReaction(r.PathValue("id"), UserID(r.Context()), req.Emoji)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReactionResponse{Added: added})
}

// Attachments and files.

func (a *API) AttachHandler(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	att, err := a.storage.AttachFile(r.PathValue("id"), req.FileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (a *API) GetAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	detail, err := a.storage.GetAttachment(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) DeleteAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.storage.DeleteAttachment(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) UploadFileHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, filestore.MaxUploadSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, errBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	stored, err := filestore.Ingest(a.files, file)
	if err != nil {
		writeError(w, err)
		return
	}
	meta, err := a.storage.AddFile(models.File{
		Name:     header.Filename,
		MimeType: stored.MimeType,
		Size:     stored.Size,
		Hash:     stored.Hash,
		UserID:   UserID(r.Context()),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}
