package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
)

// BootstrapAdmin provisions the first admin account on an empty install and
// reports whether one was created. Later runs are no-ops. When the
// configured name already belongs to a crew account the install is left
// without an admin and startup continues.
func BootstrapAdmin(ctx context.Context, repo UserRepository, cfg Config) (bool, error) {
	if !cfg.BootstrapAdminEnabled {
		return false, nil
	}
	if has, err := repo.HasAdmin(ctx); err != nil || has {
		return false, err
	}
	name := cfg.BootstrapAdminName

	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return false, fmt.Errorf("generate admin password: %w", err)
	}
	password := base64.RawURLEncoding.EncodeToString(secret)

	hash, err := HashPassword(password)
	if err != nil {
		return false, err
	}
	if _, err := repo.Create(ctx, name, hash, string(RoleAdmin)); err != nil {
		if errors.Is(err, ErrUserExists) {
			log.Printf("bootstrap: username %q is taken by a non-admin account; set BOOTSTRAP_ADMIN_NAME to provision an admin", name)
			return false, nil
		}
		return false, fmt.Errorf("create admin: %w", err)
	}

	if path := cfg.InitialAdminPasswordPath; path != "" {
		if err := os.WriteFile(path, []byte(password+"\n"), 0o600); err != nil {
			return true, fmt.Errorf("write admin password: %w", err)
		}
		log.Printf("bootstrap: admin %q created; password written to %s", name, path)
		return true, nil
	}
	log.Printf("bootstrap: admin %q created password=%s", name, password)
	return true, nil
}
