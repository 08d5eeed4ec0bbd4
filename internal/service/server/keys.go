package server

import (
	"e2e_call/internal/model"
	"e2e_call/internal/protocol/e2ee"
	"e2e_call/internal/repository/directory"
	"e2e_call/internal/utils/log"
	apperr "e2e_call/pkg/errors"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandleGetPublicKey returns a user's published key as base64 SPKI, or as a
// JWK with ?format=jwk.
func (s *HttpServer) HandleGetPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]

		publicKey, err := s.keys.PublicKey(r.Context(), userID)
		if err != nil {
			if !errors.Is(err, directory.ErrNotFound) {
				log.Error("get public key failed", zap.String("user_id", userID), zap.Error(err))
			}
			writeError(w, err)
			return
		}

		if r.URL.Query().Get("format") != "jwk" {
			writeJSON(w, http.StatusOK, model.PublishedKey{UserID: userID, PublicKey: publicKey})
			return
		}

		pub, err := e2ee.ImportPublicKey(publicKey)
		if err != nil {
			log.Error("stored public key is malformed", zap.String("user_id", userID), zap.Error(err))
			writeError(w, err)
			return
		}
		jwk, err := e2ee.ExportPublicKeyJWK(pub)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/jwk+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jwk)
	}
}

// HandlePutPublicKey publishes the caller's own key.
func (s *HttpServer) HandlePutPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}

		userID := mux.Vars(r)["userID"]
		if claims.Subject != userID {
			writeError(w, apperr.ErrForeignKey)
			return
		}

		var body model.PublishedKey
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apperr.ErrInvalidPublicKey)
			return
		}
		if _, err := e2ee.ImportPublicKey(body.PublicKey); err != nil {
			writeError(w, apperr.ErrInvalidPublicKey)
			return
		}

		if err := s.keys.Publish(r.Context(), userID, body.PublicKey); err != nil {
			log.Error("publish public key failed", zap.String("user_id", userID), zap.Error(err))
			writeError(w, err)
			return
		}
		log.Info("public key published", zap.String("user_id", userID))
		w.WriteHeader(http.StatusNoContent)
	}
}
