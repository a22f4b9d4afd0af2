package definition

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/defstore-io/defstore/internal/secretstore"
)

// envelope is the stored document shape. The discriminator is duplicated
// into the document so history rows stay decodable on their own.
type envelope struct {
	Type string          `json:"type"`
	Spec json.RawMessage `json:"spec"`
}

// Codec encodes definitions to their canonical JSON document and back.
// Decoding resolves secret references through the configured resolver.
type Codec struct {
	registry *Registry
	secrets  secretstore.Resolver
}

// NewCodec creates a codec over the given registry. secrets may be nil, in
// which case definitions holding secret references fail to decode with a
// recoverable error.
func NewCodec(registry *Registry, secrets secretstore.Resolver) *Codec {
	return &Codec{registry: registry, secrets: secrets}
}

// Encode serializes def and returns the document together with the type
// discriminator.
func (c *Codec) Encode(def Definition) ([]byte, string, error) {
	if def == nil {
		return nil, "", fmt.Errorf("codec: definition is nil")
	}
	kind := def.Kind()
	if _, err := c.registry.New(kind); err != nil {
		return nil, "", fmt.Errorf("codec: encode %s: %w", def.DefinitionName(), err)
	}

	spec, err := json.Marshal(def)
	if err != nil {
		return nil, "", fmt.Errorf("codec: marshal %s: %w", def.DefinitionName(), err)
	}
	body, err := json.Marshal(envelope{Type: kind, Spec: spec})
	if err != nil {
		return nil, "", fmt.Errorf("codec: marshal envelope: %w", err)
	}
	return body, kind, nil
}

// Decode deserializes a stored document back into its concrete kind and
// resolves any secret references it carries. Unknown discriminators and
// malformed documents are permanent failures; unresolvable secrets wrap
// secretstore.ErrUnavailable.
func (c *Codec) Decode(ctx context.Context, body []byte) (Definition, error) {
	return c.decode(ctx, body, true)
}

// Unmarshal decodes a document without resolving secret references. Used on
// ingest so stored documents keep their references rather than resolved
// plaintext.
func (c *Codec) Unmarshal(body []byte) (Definition, error) {
	return c.decode(context.Background(), body, false)
}

func (c *Codec) decode(ctx context.Context, body []byte, resolveSecrets bool) (Definition, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("codec: document is not valid JSON")
	}
	kind := gjson.GetBytes(body, "type").String()
	if kind == "" {
		return nil, fmt.Errorf("codec: document has no type discriminator")
	}

	def, err := c.registry.New(kind)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("codec: unmarshal envelope: %w", err)
	}
	if len(env.Spec) == 0 {
		return nil, fmt.Errorf("codec: document has no spec")
	}
	if err := json.Unmarshal(env.Spec, def); err != nil {
		return nil, fmt.Errorf("codec: unmarshal %s spec: %w", kind, err)
	}

	if bearer, ok := def.(SecretBearer); ok && resolveSecrets {
		if err := bearer.ResolveSecrets(ctx, c.secrets); err != nil {
			return nil, fmt.Errorf("codec: resolve secrets for %s: %w", def.DefinitionName(), err)
		}
	}
	return def, nil
}
