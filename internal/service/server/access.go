package server

import (
	"context"
	"e2e_call/internal/repository/relay"
	apperr "e2e_call/pkg/errors"
	"errors"
	"slices"
	"strings"
)

// authorizeWrite checks that the connected user may write target. Call
// records and their candidate streams belong to the caller and callee, chat
// streams to the two members of the conversation, user documents to their
// owner. Reads are not restricted.
func (c *relayConn) authorizeWrite(ctx context.Context, op, target string, doc relay.Document) error {
	parts := strings.Split(target, "/")
	if len(parts) < 2 || parts[1] == "" {
		return apperr.ErrForbiddenPath
	}

	switch parts[0] {
	case "calls":
		return c.authorizeCall(ctx, op, parts, doc)
	case "chats":
		if !slices.Contains(strings.Split(parts[1], "_"), c.userID) {
			return apperr.ErrForbiddenPath
		}
		if op == relay.OpAdd || op == relay.OpSet {
			if sender, _ := doc["senderId"].(string); sender != c.userID {
				return apperr.ErrForbiddenPath
			}
		}
		return nil
	case "users":
		if parts[1] != c.userID {
			return apperr.ErrForbiddenPath
		}
		return nil
	default:
		return apperr.ErrForbiddenPath
	}
}

func (c *relayConn) authorizeCall(ctx context.Context, op string, parts []string, doc relay.Document) error {
	recordPath := relay.Join(parts[0], parts[1])
	rec, err := c.store.Get(ctx, recordPath)
	switch {
	case errors.Is(err, relay.ErrNotFound):
		// a new record must name its writer as the caller; candidates may be
		// appended while the record is still being written
		if op == relay.OpSet && len(parts) == 2 {
			if caller, _ := doc["callerId"].(string); caller != c.userID {
				return apperr.ErrForbiddenPath
			}
		}
		return nil
	case err != nil:
		return err
	}

	caller, _ := rec["callerId"].(string)
	callee, _ := rec["calleeId"].(string)
	if c.userID != caller && c.userID != callee {
		return apperr.ErrForbiddenPath
	}
	return nil
}
