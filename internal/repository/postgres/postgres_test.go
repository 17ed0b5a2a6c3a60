package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/splax/sheetledger/internal/domain"
)

func TestArtifactsEncoding(t *testing.T) {
	raw, err := encodeArtifacts(nil)
	if err != nil {
		t.Fatalf("encode empty: %v", err)
	}
	if string(raw) != "{}" {
		t.Fatalf("expected empty object, got %s", raw)
	}

	in := map[domain.ArtifactKind]string{domain.ArtifactFormA: "sheet-a"}
	raw, err = encodeArtifacts(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeArtifacts(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out[domain.ArtifactFormA] != "sheet-a" {
		t.Fatalf("unexpected artifacts %v", out)
	}

	out, err = decodeArtifacts([]byte("{}"))
	if err != nil || out != nil {
		t.Fatalf("expected nil map for empty object, got %v, %v", out, err)
	}
	if _, err := decodeArtifacts([]byte("not-json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: uniqueViolation})
	if !isUniqueViolation(wrapped) {
		t.Fatalf("expected wrapped unique violation to be detected")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation is not a conflict")
	}
	if isUniqueViolation(errors.New("boom")) || isUniqueViolation(nil) {
		t.Fatalf("plain errors are not conflicts")
	}
}

func TestMergeOrphansBindsParameter(t *testing.T) {
	expr := mergeOrphans(6)
	if !strings.Contains(expr, "orphaned_artifacts || $6::text[]") {
		t.Fatalf("expected stored list unioned with $6, got %s", expr)
	}
	if !strings.HasPrefix(expr, "ARRAY(") {
		t.Fatalf("expected an array constructor so the column stays non-null, got %s", expr)
	}
}
