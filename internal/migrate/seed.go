package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"oncall.org/internal/oncall"
	"oncall.org/internal/pin"
)

// SeedUser is one entry of the seed file. PIN is plaintext and is hashed before
// it reaches the store.
type SeedUser struct {
	Name     string `json:"name"`
	PIN      string `json:"pin"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Division string `json:"division"`
}

// SeedReport summarizes a SeedUsers run.
type SeedReport struct {
	Created []string
	Skipped []string
}

// LoadSeeds decodes a JSON array of users and validates every entry.
func LoadSeeds(r io.Reader) ([]SeedUser, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var users []SeedUser
	if err := dec.Decode(&users); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	var errs []error
	for i, u := range users {
		switch {
		case strings.TrimSpace(u.Name) == "":
			errs = append(errs, fmt.Errorf("seed %d: name is required", i))
		case !pin.Valid(u.PIN):
			errs = append(errs, fmt.Errorf("seed %d (%s): pin must be digits only", i, u.Name))
		case strings.TrimSpace(u.Phone) == "" || strings.TrimSpace(u.Division) == "":
			errs = append(errs, fmt.Errorf("seed %d (%s): phone and division are required", i, u.Name))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return users, nil
}

// SeedUsers creates the given users. A user whose PIN already resolves to a
// stored user is skipped, so reruns are harmless.
func SeedUsers(ctx context.Context, store oncall.UserStore, hasher oncall.Hasher, users []SeedUser, logger *zap.Logger) (SeedReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var rep SeedReport
	for _, s := range users {
		hash := hasher.Hash(s.PIN)
		_, err := store.FindByPinHash(ctx, hash)
		switch {
		case err == nil:
			logger.Info("seed user skipped, pin already provisioned", zap.String("name", s.Name))
			rep.Skipped = append(rep.Skipped, s.Name)
			continue
		case !errors.Is(err, oncall.ErrNotFound):
			return rep, fmt.Errorf("seed %s: %w", s.Name, err)
		}
		u := oncall.User{
			PinHash:  hash,
			Phone:    strings.TrimSpace(s.Phone),
			Name:     strings.TrimSpace(s.Name),
			Email:    strings.TrimSpace(s.Email),
			Division: strings.TrimSpace(s.Division),
		}
		if err := store.Create(ctx, &u); err != nil {
			if errors.Is(err, oncall.ErrConflict) {
				// Provisioned concurrently between the lookup and the insert.
				logger.Info("seed user skipped, pin already provisioned", zap.String("name", s.Name))
				rep.Skipped = append(rep.Skipped, s.Name)
				continue
			}
			return rep, fmt.Errorf("seed %s: %w", s.Name, err)
		}
		logger.Info("seed user created",
			zap.Int64("user_id", u.ID),
			zap.String("name", u.Name),
			zap.String("division", u.Division),
		)
		rep.Created = append(rep.Created, s.Name)
	}
	return rep, nil
}
