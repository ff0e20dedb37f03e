package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"sigs.k8s.io/yaml"
)

// Document is the on-disk form of a type map.
//
//	types:
//	  - name: User
//	    fields:
//	      - {name: id, type: ID}
//	      - {name: email, type: String, required: true, unique: true}
type Document struct {
	Types []*TypeDefinition `json:"types"`
}

// LoadFile reads a YAML or JSON type map document.
func LoadFile(path string) (TypeMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading type map")
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON type map document and validates it.
func Parse(data []byte) (TypeMap, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing type map")
	}
	types := New(doc.Types...)
	if err := Validate(types); err != nil {
		return nil, err
	}
	return types, nil
}

// Marshal encodes the type map as a JSON document with types sorted by name.
func Marshal(types TypeMap) ([]byte, error) {
	doc := Document{Types: make([]*TypeDefinition, 0, len(types))}
	for _, name := range types.Names() {
		doc.Types = append(doc.Types, types[name])
	}
	return json.Marshal(doc)
}

// Unmarshal decodes a document produced by Marshal without validating it.
func Unmarshal(data []byte) (TypeMap, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decoding type map")
	}
	return New(doc.Types...), nil
}

// Checksum returns the SHA-256 of the canonical encoding of types.
func Checksum(types TypeMap) (string, error) {
	data, err := Marshal(types)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}
