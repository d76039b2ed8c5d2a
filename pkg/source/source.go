// Package source describes where a package's build inputs come from.
//
// Source is a closed sum: Aur, Git and Upload are its only variants. Code
// that branches on the variant implements Visitor, so adding a variant means
// adding a Visitor method and every implementation stops compiling until it
// handles the new case.
package source

import (
	"encoding/json"
	"fmt"
)

// Kind is the stored discriminator of a Source.
type Kind string

const (
	KindAur    Kind = "aur"
	KindGit    Kind = "git"
	KindUpload Kind = "upload"
)

// Source is one of Aur, Git or Upload.
type Source interface {
	Kind() Kind
	sealed()
}

// Aur builds a package published on the AUR.
type Aur struct {
	Name string `json:"name"`
}

// Git builds the PKGBUILD found in Subfolder of the repository at URL, Ref.
type Git struct {
	URL       string `json:"url"`
	Ref       string `json:"ref"`
	Subfolder string `json:"subfolder"`
}

// Upload builds a user supplied source archive. It has no implementation.
type Upload struct {
	Archive string `json:"archive"`
}

func (Aur) Kind() Kind    { return KindAur }
func (Git) Kind() Kind    { return KindGit }
func (Upload) Kind() Kind { return KindUpload }

func (Aur) sealed()    {}
func (Git) sealed()    {}
func (Upload) sealed() {}

// Visitor handles every Source variant.
type Visitor[T any] interface {
	Aur(Aur) (T, error)
	Git(Git) (T, error)
	Upload(Upload) (T, error)
}

// Visit dispatches s to the matching Visitor method.
func Visit[T any](s Source, v Visitor[T]) (T, error) {
	switch s := s.(type) {
	case Aur:
		return v.Aur(s)
	case Git:
		return v.Git(s)
	case Upload:
		return v.Upload(s)
	}
	var zero T
	return zero, fmt.Errorf("source: unknown variant %T", s)
}

// Marshal encodes s into its discriminator and JSON payload.
func Marshal(s Source) (Kind, string, error) {
	if s == nil {
		return "", "", fmt.Errorf("source: nil source")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", "", fmt.Errorf("source: encode %s: %w", s.Kind(), err)
	}
	return s.Kind(), string(data), nil
}

// Unmarshal decodes a discriminator and payload produced by Marshal.
func Unmarshal(kind Kind, data string) (Source, error) {
	var (
		s   Source
		err error
	)
	switch kind {
	case KindAur:
		var v Aur
		err = json.Unmarshal([]byte(data), &v)
		s = v
	case KindGit:
		var v Git
		err = json.Unmarshal([]byte(data), &v)
		s = v
	case KindUpload:
		var v Upload
		err = json.Unmarshal([]byte(data), &v)
		s = v
	default:
		return nil, fmt.Errorf("source: unknown kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("source: decode %s: %w", kind, err)
	}
	return s, nil
}
