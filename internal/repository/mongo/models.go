package mongo

import (
	"time"

	"github.com/splax/sheetledger/internal/domain"
)

type userModel struct {
	ID                    string            `bson:"_id"`
	ExternalIdentity      string            `bson:"external_identity"`
	Email                 string            `bson:"email"`
	Username              string            `bson:"username,omitempty"`
	CreditBalance         int64             `bson:"credit_balance"`
	ProvisioningStatus    string            `bson:"provisioning_status"`
	Artifacts             map[string]string `bson:"artifacts,omitempty"`
	ProvisioningError     string            `bson:"provisioning_error,omitempty"`
	OrphanedArtifacts     []string          `bson:"orphaned_artifacts,omitempty"`
	ProvisioningUpdatedAt time.Time         `bson:"provisioning_updated_at"`
	CreatedAt             time.Time         `bson:"created_at"`
	UpdatedAt             time.Time         `bson:"updated_at"`
}

type submissionModel struct {
	ID               string    `bson:"_id"`
	UserID           string    `bson:"user_id"`
	ArtifactKind     string    `bson:"artifact_kind"`
	DocumentKind     string    `bson:"document_kind"`
	TargetArtifactID string    `bson:"target_artifact_id"`
	FileName         string    `bson:"file_name"`
	SizeBytes        int64     `bson:"size_bytes"`
	ArchiveKey       string    `bson:"archive_key,omitempty"`
	Status           string    `bson:"status"`
	FeeCharged       int64     `bson:"fee_charged"`
	Error            string    `bson:"error,omitempty"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

func toUserModel(u *domain.User) *userModel {
	m := &userModel{
		ID:                    u.ID,
		ExternalIdentity:      u.ExternalIdentity,
		Email:                 u.Email,
		Username:              u.Username,
		CreditBalance:         u.CreditBalance,
		ProvisioningStatus:    string(u.ProvisioningStatus),
		ProvisioningError:     u.ProvisioningError,
		OrphanedArtifacts:     u.OrphanedArtifacts,
		ProvisioningUpdatedAt: u.ProvisioningUpdatedAt,
		CreatedAt:             u.CreatedAt,
		UpdatedAt:             u.UpdatedAt,
	}
	if !u.ProvisioningStatus.Valid() {
		m.ProvisioningStatus = string(domain.ProvisioningUnprovisioned)
	}
	if len(u.Artifacts) > 0 {
		m.Artifacts = artifactsToModel(u.Artifacts)
	}
	return m
}

func fromUserModel(m *userModel) *domain.User {
	u := &domain.User{
		ID:                    m.ID,
		ExternalIdentity:      m.ExternalIdentity,
		Email:                 m.Email,
		Username:              m.Username,
		CreditBalance:         m.CreditBalance,
		ProvisioningStatus:    domain.ProvisioningStatus(m.ProvisioningStatus),
		ProvisioningError:     m.ProvisioningError,
		OrphanedArtifacts:     m.OrphanedArtifacts,
		ProvisioningUpdatedAt: m.ProvisioningUpdatedAt,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
	if len(m.Artifacts) > 0 {
		u.Artifacts = make(map[domain.ArtifactKind]string, len(m.Artifacts))
		for k, v := range m.Artifacts {
			u.Artifacts[domain.ArtifactKind(k)] = v
		}
	}
	return u
}

func artifactsToModel(in map[domain.ArtifactKind]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

func toSubmissionModel(s *domain.Submission) *submissionModel {
	return &submissionModel{
		ID:               s.ID,
		UserID:           s.UserID,
		ArtifactKind:     string(s.ArtifactKind),
		DocumentKind:     string(s.DocumentKind),
		TargetArtifactID: s.TargetArtifactID,
		FileName:         s.FileName,
		SizeBytes:        s.SizeBytes,
		ArchiveKey:       s.ArchiveKey,
		Status:           s.Status,
		FeeCharged:       s.FeeCharged,
		Error:            s.Error,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func fromSubmissionModel(m *submissionModel) domain.Submission {
	return domain.Submission{
		ID:               m.ID,
		UserID:           m.UserID,
		ArtifactKind:     domain.ArtifactKind(m.ArtifactKind),
		DocumentKind:     domain.DocumentKind(m.DocumentKind),
		TargetArtifactID: m.TargetArtifactID,
		FileName:         m.FileName,
		SizeBytes:        m.SizeBytes,
		ArchiveKey:       m.ArchiveKey,
		Status:           m.Status,
		FeeCharged:       m.FeeCharged,
		Error:            m.Error,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}
