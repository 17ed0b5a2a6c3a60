package domain

import (
	"fmt"
	"strings"
)

// ArtifactKind identifies one of the spreadsheets provisioned per user.
type ArtifactKind string

const (
	ArtifactFormA  ArtifactKind = "formA"
	ArtifactFormBC ArtifactKind = "formBC"
)

// DocumentKind is the type of tax document a backend run extracts.
type DocumentKind string

const (
	Document1040    DocumentKind = "1040"
	DocumentW2      DocumentKind = "w2"
	DocumentPaystub DocumentKind = "paystub"
)

type artifactSpec struct {
	titleSuffix string
	alias       string
	documents   []DocumentKind
}

var artifactSpecs = map[ArtifactKind]artifactSpec{
	ArtifactFormA:  {titleSuffix: "DocumentA", alias: "uploadDocumentA", documents: []DocumentKind{Document1040}},
	ArtifactFormBC: {titleSuffix: "DocumentBC", alias: "uploadDocumentBC", documents: []DocumentKind{DocumentW2, DocumentPaystub}},
}

// ArtifactKinds returns every kind in provisioning order.
func ArtifactKinds() []ArtifactKind {
	return []ArtifactKind{ArtifactFormA, ArtifactFormBC}
}

// ParseArtifactKind accepts a canonical kind or its legacy alias.
func ParseArtifactKind(raw string) (ArtifactKind, error) {
	value := strings.TrimSpace(raw)
	for kind, spec := range artifactSpecs {
		if value == string(kind) || value == spec.alias {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown artifact kind %q", raw)
}

// Valid reports whether k is a known kind.
func (k ArtifactKind) Valid() bool {
	_, ok := artifactSpecs[k]
	return ok
}

// Title returns the spreadsheet title for a user's copy of this kind.
func (k ArtifactKind) Title(userID string) string {
	return fmt.Sprintf("User_%s_%s", userID, artifactSpecs[k].titleSuffix)
}

// Documents lists the document kinds that may be submitted against k.
func (k ArtifactKind) Documents() []DocumentKind {
	return append([]DocumentKind(nil), artifactSpecs[k].documents...)
}

// DefaultDocument is used when a submission does not name a document kind.
func (k ArtifactKind) DefaultDocument() DocumentKind {
	docs := artifactSpecs[k].documents
	if len(docs) == 0 {
		return ""
	}
	return docs[0]
}

// Accepts reports whether doc may be processed into k.
func (k ArtifactKind) Accepts(doc DocumentKind) bool {
	for _, allowed := range artifactSpecs[k].documents {
		if allowed == doc {
			return true
		}
	}
	return false
}
