package models

import (
	"fmt"
	"strings"
)

// ImageState mirrors the bootloader's per-slot verification state.
type ImageState int

const (
	ImageUndefined ImageState = iota
	ImageNew
	ImagePendingVerify
	ImageValid
	ImageInvalid
	ImageAborted
)

var imageStateNames = map[ImageState]string{
	ImageUndefined:     "UNDEFINED",
	ImageNew:           "NEW",
	ImagePendingVerify: "PENDING_VERIFY",
	ImageValid:         "VALID",
	ImageInvalid:       "INVALID",
	ImageAborted:       "ABORTED",
}

func (s ImageState) String() string {
	if n, ok := imageStateNames[s]; ok {
		return n
	}
	return "UNDEFINED"
}

// Unverified reports whether an image booted from an update slot may still be rolled back.
func (s ImageState) Unverified() bool {
	return s == ImageNew || s == ImagePendingVerify
}

func (s ImageState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ImageState) UnmarshalText(b []byte) error {
	v, err := ParseImageState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseImageState accepts the canonical upper-case names, case-insensitively.
func ParseImageState(s string) (ImageState, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for st, name := range imageStateNames {
		if name == want {
			return st, nil
		}
	}
	return ImageUndefined, fmt.Errorf("unknown image state %q", s)
}

// SlotKind separates the golden image from the two update slots.
type SlotKind int

const (
	SlotFactory SlotKind = iota
	SlotUpdate
)

// Slot is one application partition.
type Slot struct {
	Label string   `json:"label"`
	Kind  SlotKind `json:"-"`
	Index int      `json:"index"` // update slot number; 0 for factory
	Size  int64    `json:"size"`
}

// Golden reports whether the slot holds the factory image, which can never roll back further.
func (s Slot) Golden() bool { return s.Kind == SlotFactory }

// IsZero reports whether the slot was never resolved.
func (s Slot) IsZero() bool { return s.Label == "" }
