package operations

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/flowcron/pkg/schema"
)

// cryptoOperations derive stable ids and signatures inside workflows, e.g. a
// source id from an email address.
func cryptoOperations() []Operation {
	return []Operation{
		NewFunc("crypto.hash", "Hex digest of params.data (algorithm: sha256, sha512, sha384, sha1, md5).", cryptoHash),
		NewFunc("crypto.hmac", "Hex HMAC of params.data keyed by params.key.", cryptoHMAC),
		NewFunc("crypto.uuid", "Returns a random v4 UUID.", func(context.Context, map[string]any) (any, error) {
			return uuid.NewString(), nil
		}),
	}
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

func cryptoHash(_ context.Context, params map[string]any) (any, error) {
	data, ok := params["data"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hash: data must be a string")
	}
	newHash, err := hashFunc(stringParam(params, "algorithm", ""))
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func cryptoHMAC(_ context.Context, params map[string]any) (any, error) {
	data, ok := params["data"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hmac: data must be a string")
	}
	key, ok := params["key"].(string)
	if !ok || key == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hmac: key is required")
	}
	newHash, err := hashFunc(stringParam(params, "algorithm", ""))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
