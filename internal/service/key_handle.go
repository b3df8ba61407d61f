package service

// KeyHandle is a short-lived carrier for plaintext signing-key material. Each
// handle owns its buffer: callers zero it with Zero when done. Handles never
// serialize their material.
type KeyHandle struct {
	id       string
	material []byte
}

func newKeyHandle(id string, material []byte) *KeyHandle {
	owned := make([]byte, len(material))
	copy(owned, material)
	return &KeyHandle{id: id, material: owned}
}

// ID returns the signing key identifier, used as the JWT kid header.
func (h *KeyHandle) ID() string {
	return h.id
}

// Material returns the raw key bytes. The slice is owned by the handle and
// becomes invalid after Zero.
func (h *KeyHandle) Material() []byte {
	return h.material
}

// Zero wipes the key bytes.
func (h *KeyHandle) Zero() {
	for i := range h.material {
		h.material[i] = 0
	}
	h.material = nil
}

// String never exposes key material.
func (h *KeyHandle) String() string {
	return "KeyHandle(" + h.id + ")"
}
