package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/classmint/classmint/internal/apperr"
	"github.com/classmint/classmint/internal/validation"
)

// Service answers role and issuer-binding questions for the issuance pipeline.
type Service struct {
	repo     Repository
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService creates a new identity service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, validate: validation.New(), logger: logger}
}

// Upsert registers a user pushed by the surrounding platform.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (User, error) {
	if err := validation.Struct(s.validate, in); err != nil {
		return User{}, err
	}
	user, err := s.repo.Upsert(ctx, User{
		ID:          in.ID,
		DisplayName: in.DisplayName,
		Role:        in.Role,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return User{}, err
	}
	s.logger.Info("identity.upsert", slog.String("user_id", user.ID), slog.String("role", user.Role))
	return user, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	return s.repo.FindByID(ctx, id)
}

// RequireIssuer loads the user and fails with KindUnauthorized unless they may issue awards.
func (s *Service) RequireIssuer(ctx context.Context, id string) (User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return User{}, apperr.New(apperr.KindUnauthorized, "issuer is not a registered user")
		}
		return User{}, err
	}
	if !user.CanIssue() {
		return User{}, apperr.New(apperr.KindUnauthorized, "insufficient teacher permissions")
	}
	return user, nil
}

// CanAssign reports whether issuerID may give awards to recipientID under the
// one-issuer-per-recipient rule. Unknown recipients are unbound.
func (s *Service) CanAssign(ctx context.Context, recipientID, issuerID string, reassign bool) (bool, error) {
	recipient, err := s.repo.FindByID(ctx, recipientID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return true, nil
		}
		return false, err
	}
	if recipient.AssignedIssuerID == "" || recipient.AssignedIssuerID == issuerID {
		return true, nil
	}
	return reassign, nil
}

// BindIssuer records issuerID as the recipient's issuer, registering the
// recipient as a student when the directory does not know them yet.
func (s *Service) BindIssuer(ctx context.Context, recipientID, issuerID string, reassign bool) error {
	if _, err := s.repo.FindByID(ctx, recipientID); err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			return err
		}
		if _, err := s.repo.Upsert(ctx, User{ID: recipientID, Role: RoleStudent, CreatedAt: time.Now().UTC()}); err != nil {
			return err
		}
	}
	return s.repo.BindIssuer(ctx, recipientID, issuerID, reassign)
}
