package httpapi

import (
	"encoding/binary"

	"github.com/google/uuid"

	"batchd/pkg/types"
)

// sessionNamespace scopes name-based ids derived from session keys.
var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("batchd/sessions"))

// resolveSession picks the session id for req: the explicit id, else a
// stable id derived from the key, else a fresh random one.
func resolveSession(req types.InferRequest) uint64 {
	if req.Session != nil {
		return *req.Session
	}
	var u uuid.UUID
	if req.Key != "" {
		u = uuid.NewSHA1(sessionNamespace, []byte(req.Key))
	} else {
		u = uuid.New()
	}
	return binary.BigEndian.Uint64(u[:8])
}

// SessionForKey returns the id /infer uses for a session key.
func SessionForKey(key string) uint64 {
	return resolveSession(types.InferRequest{Key: key})
}
