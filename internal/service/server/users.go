package server

import (
	"e2e_call/internal/model"
	"e2e_call/internal/utils/log"
	apperr "e2e_call/pkg/errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandleSignIn resolves a display name to a user and issues a relay token.
func (s *HttpServer) HandleSignIn() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if name == "" {
			writeError(w, apperr.ErrInvalidUserID)
			return
		}

		user, err := s.users.GetOrCreate(r.Context(), name)
		if err != nil {
			log.Error("sign in failed", zap.String("name", name), zap.Error(err))
			writeError(w, err)
			return
		}

		token, err := s.issueToken(user.ID, user.Name)
		if err != nil {
			log.Error("issue token failed", zap.String("user_id", user.ID), zap.Error(err))
			writeError(w, err)
			return
		}

		log.Info("user signed in", zap.String("user_id", user.ID), zap.String("name", user.Name))
		writeJSON(w, http.StatusOK, model.Identity{
			UserID:      user.ID,
			DisplayName: user.Name,
			Token:       token,
		})
	}
}

// HandleLookupUser resolves a peer's display name without issuing a token.
func (s *HttpServer) HandleLookupUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		user, err := s.users.GetByName(r.Context(), name)
		if err != nil {
			log.Error("lookup user failed", zap.String("name", name), zap.Error(err))
			writeError(w, err)
			return
		}
		if user == nil {
			writeError(w, apperr.ErrUserNotFound)
			return
		}
		writeJSON(w, http.StatusOK, model.Identity{UserID: user.ID, DisplayName: user.Name})
	}
}
