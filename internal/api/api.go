// Package api serves the guardian-side HTTP surface: accounts, message
// history and review, friend requests, and notifications. It runs in the
// same process as the WebSocket relay and shares its services.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/kidtalk/chat-app/internal/moderation"
	"github.com/kidtalk/chat-app/internal/relationship"
	"github.com/kidtalk/chat-app/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	store      store.Store
	rels       *relationship.Service
	moderation *moderation.Service
}

// NewServer creates the API server over its collaborators.
func NewServer(st store.Store, rels *relationship.Service, mod *moderation.Service) *Server {
	return &Server{store: st, rels: rels, moderation: mod}
}

// Register mounts every API route on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/children", s.handleCreateChild)
	mux.HandleFunc("GET /api/parent/{id}/children", s.handleChildren)
	mux.HandleFunc("PATCH /api/users/{id}/profile", s.handleUpdateProfile)
	mux.HandleFunc("GET /api/users/{id}", s.handleGetUser)
	mux.HandleFunc("GET /api/users/by-username/{name}", s.handleGetUserByUsername)

	mux.HandleFunc("GET /api/messages/{a}/{b}", s.handleMessagesBetween)
	mux.HandleFunc("GET /api/parent/{id}/message-reviews", s.handleMessageReviews)
	mux.HandleFunc("PATCH /api/messages/{id}/review", s.handleReviewMessage)
	mux.HandleFunc("GET /api/parent/{parentId}/child/{childId}/messages", s.handleChildMessages)

	mux.HandleFunc("POST /api/friend-requests", s.handleCreateFriendRequest)
	mux.HandleFunc("PATCH /api/friend-requests/{id}", s.handleResolveFriendRequest)
	mux.HandleFunc("GET /api/users/{id}/friends", s.handleFriends)
	mux.HandleFunc("GET /api/parent/{id}/friend-requests", s.handlePendingFriendRequests)

	mux.HandleFunc("GET /api/users/{id}/notifications", s.handleNotifications)
	mux.HandleFunc("PATCH /api/notifications/{id}/read", s.handleMarkNotificationRead)
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	u, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil || u.Password != req.Password {
		respondError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		Name        string `json:"name"`
		AvatarColor string `json:"avatarColor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "username, password and name are required")
		return
	}

	if _, err := s.store.GetUserByUsername(r.Context(), req.Username); err == nil {
		respondError(w, http.StatusConflict, "username already taken")
		return
	}

	u, err := s.store.CreateUser(r.Context(), store.NewUser{
		Username:    req.Username,
		Password:    req.Password,
		IsParent:    true,
		Name:        req.Name,
		AvatarColor: req.AvatarColor,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, u)
}

func (s *Server) handleCreateChild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentID    int64  `json:"parentId"`
		Username    string `json:"username"`
		Password    string `json:"password"`
		Name        string `json:"name"`
		AvatarColor string `json:"avatarColor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "username, password and name are required")
		return
	}

	parent, err := s.store.GetUser(r.Context(), req.ParentID)
	if err != nil {
		respondError(w, http.StatusNotFound, "parent not found")
		return
	}
	if !parent.IsParent {
		respondError(w, http.StatusBadRequest, "parentId does not refer to a parent account")
		return
	}
	if _, err := s.store.GetUserByUsername(r.Context(), req.Username); err == nil {
		respondError(w, http.StatusConflict, "username already taken")
		return
	}

	u, err := s.store.CreateUser(r.Context(), store.NewUser{
		Username:    req.Username,
		Password:    req.Password,
		ParentID:    &parent.ID,
		Name:        req.Name,
		AvatarColor: req.AvatarColor,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, u)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	parentID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	children, err := s.store.ChildrenByParent(r.Context(), parentID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmptyUsers(children))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req store.ProfileUpdate
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	u, err := s.store.UpdateUserProfile(r.Context(), id, req)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleGetUserByUsername(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "username is required")
		return
	}
	u, err := s.store.GetUserByUsername(r.Context(), name)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Server) handleMessagesBetween(w http.ResponseWriter, r *http.Request) {
	a, ok := pathID(w, r, "a")
	if !ok {
		return
	}
	b, ok := pathID(w, r, "b")
	if !ok {
		return
	}
	msgs, err := s.moderation.MessagesBetween(r.Context(), a, b)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmptyMessages(msgs))
}

func (s *Server) handleMessageReviews(w http.ResponseWriter, r *http.Request) {
	parentID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	msgs, err := s.moderation.PendingReviews(r.Context(), parentID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmptyMessages(msgs))
}

func (s *Server) handleReviewMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	msg, err := s.moderation.Review(r.Context(), id, moderation.ReviewAction(req.Action))
	switch {
	case errors.Is(err, moderation.ErrInvalidAction):
		respondError(w, http.StatusBadRequest, "action must be allow or delete")
	case errors.Is(err, moderation.ErrNotFound):
		respondError(w, http.StatusNotFound, "message not found")
	case err != nil:
		respondInternal(w, err)
	default:
		respondJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleChildMessages(w http.ResponseWriter, r *http.Request) {
	parentID, ok := pathID(w, r, "parentId")
	if !ok {
		return
	}
	childID, ok := pathID(w, r, "childId")
	if !ok {
		return
	}

	child, err := s.store.GetUser(r.Context(), childID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if child.ParentID == nil || *child.ParentID != parentID {
		respondError(w, http.StatusForbidden, "not this child's parent")
		return
	}

	msgs, err := s.moderation.MessagesForChild(r.Context(), childID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmptyMessages(msgs))
}

// ---------------------------------------------------------------------------
// Friend requests
// ---------------------------------------------------------------------------

func (s *Server) handleCreateFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterID int64 `json:"requesterId"`
		TargetID    int64 `json:"targetId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	fr, err := s.rels.Request(r.Context(), req.RequesterID, req.TargetID)
	switch {
	case errors.Is(err, relationship.ErrSelfReference),
		errors.Is(err, relationship.ErrInvalidRole):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, relationship.ErrNotFound):
		respondError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, relationship.ErrDuplicateRequest):
		respondError(w, http.StatusConflict, "friend request already exists")
	case err != nil:
		respondInternal(w, err)
	default:
		respondJSON(w, http.StatusCreated, fr)
	}
}

func (s *Server) handleResolveFriendRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	fr, err := s.rels.Resolve(r.Context(), id, store.FriendStatus(req.Status))
	switch {
	case errors.Is(err, relationship.ErrInvalidDecision):
		respondError(w, http.StatusBadRequest, "status must be approved or rejected")
	case errors.Is(err, relationship.ErrNotFound):
		respondError(w, http.StatusNotFound, "friend request not found")
	case errors.Is(err, relationship.ErrAlreadyResolved):
		respondError(w, http.StatusConflict, "friend request already resolved")
	case err != nil:
		respondInternal(w, err)
	default:
		respondJSON(w, http.StatusOK, fr)
	}
}

func (s *Server) handleFriends(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	friends, err := s.rels.ListFriends(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmptyUsers(friends))
}

// pendingRequest is a pending friend request decorated with the participant
// names the guardian UI shows.
type pendingRequest struct {
	store.Friend
	RequesterName string `json:"requesterName"`
	TargetName    string `json:"targetName"`
}

func (s *Server) handlePendingFriendRequests(w http.ResponseWriter, r *http.Request) {
	parentID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	pending, err := s.store.PendingFriendRequests(r.Context(), parentID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	out := make([]pendingRequest, 0, len(pending))
	for _, fr := range pending {
		pr := pendingRequest{Friend: fr}
		if u, err := s.store.GetUser(r.Context(), fr.RequesterID); err == nil {
			pr.RequesterName = u.Name
		}
		if u, err := s.store.GetUser(r.Context(), fr.TargetID); err == nil {
			pr.TargetName = u.Name
		}
		out = append(out, pr)
	}
	respondJSON(w, http.StatusOK, out)
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ns, err := s.store.NotificationsByUser(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if ns == nil {
		ns = []store.Notification{}
	}
	respondJSON(w, http.StatusOK, ns)
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	n, err := s.store.MarkNotificationRead(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondInternal(w http.ResponseWriter, err error) {
	log.Printf("api: internal error: %v", err)
	respondError(w, http.StatusInternalServerError, "internal error")
}

// respondStoreError maps storage sentinels to HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, relationship.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	respondInternal(w, err)
}

func orEmptyUsers(us []store.User) []store.User {
	if us == nil {
		return []store.User{}
	}
	return us
}

func orEmptyMessages(ms []store.Message) []store.Message {
	if ms == nil {
		return []store.Message{}
	}
	return ms
}
