package handlers_test

import (
	"encoding/json"
	"testing"

	"github.com/mcarata/blueprints/common/crypto"
	"github.com/mcarata/blueprints/internal/worker/handlers"
	"github.com/mcarata/blueprints/internal/worker/store"
)

func TestHashConfig_CanonicalizesRawJSON(t *testing.T) {
	a := handlers.HashConfig(json.RawMessage(`{"b":1,"a":{"y":2,"x":3}}`))
	b := handlers.HashConfig(json.RawMessage("{ \"a\": {\"x\":3, \"y\":2},\n\"b\": 1 }"))
	if a != b {
		t.Error("key order and whitespace must not change the hash")
	}

	c := handlers.HashConfig(json.RawMessage(`{"b":2,"a":{"y":2,"x":3}}`))
	if a == c {
		t.Error("different content must hash differently")
	}

	if handlers.HashConfig(nil) != handlers.HashConfig(json.RawMessage(`{}`)) {
		t.Error("nil config must hash like the empty document")
	}
}

func TestParseDocument(t *testing.T) {
	doc, err := handlers.ParseDocument(nil)
	if err != nil || len(doc) != 0 {
		t.Fatalf("nil raw: doc=%v err=%v", doc, err)
	}

	doc, err = handlers.ParseDocument(json.RawMessage(`{"gateway":{"auth":{"token":"t"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if doc.String("gateway", "auth", "token") != "t" {
		t.Errorf("nested lookup failed: %v", doc)
	}
	if doc.String("gateway", "missing", "token") != "" {
		t.Error("missing path should read as empty")
	}

	if _, err := handlers.ParseDocument(json.RawMessage(`[1,2]`)); err == nil {
		t.Error("non-object config should fail to parse")
	}
}

func TestDocumentDecrypt(t *testing.T) {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	sealed, err := crypto.EncryptString(key, "sk-secret")
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := json.Marshal(map[string]any{"name": "Ada", "OPENAI_API_KEY": sealed})
	doc, err := handlers.ParseDocument(raw)
	if err != nil {
		t.Fatal(err)
	}

	plain, err := doc.Decrypt(key)
	if err != nil {
		t.Fatal(err)
	}
	if plain.String("OPENAI_API_KEY") != "sk-secret" {
		t.Errorf("decrypted = %q", plain.String("OPENAI_API_KEY"))
	}
	if doc.String("OPENAI_API_KEY") != sealed {
		t.Error("Decrypt must not mutate the source document")
	}

	if _, err := doc.Decrypt(nil); err == nil {
		t.Error("encrypted fields without a master key must fail")
	}

	plainOnly, _ := handlers.ParseDocument(json.RawMessage(`{"name":"Ada"}`))
	if _, err := plainOnly.Decrypt(nil); err != nil {
		t.Errorf("plaintext config needs no key: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	good, _ := handlers.ParseDocument(json.RawMessage(`{"name":"Ada","plugins":["@elizaos/plugin-openai"]}`))
	if err := handlers.ValidateConfig(store.FrameworkElizaOS, good); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	bad, _ := handlers.ParseDocument(json.RawMessage(`{"plugins":"not-a-list"}`))
	if err := handlers.ValidateConfig(store.FrameworkElizaOS, bad); err == nil {
		t.Error("plugins with the wrong type should fail validation")
	}

	if err := handlers.ValidateConfig("unknown", good); err == nil {
		t.Error("unknown framework should be rejected")
	}
}
