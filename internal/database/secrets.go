package database

import (
	"fmt"

	"gorm.io/gorm"
)

// SecretRef points at one encrypted column of one row.
type SecretRef struct {
	Table  string
	ID     uint
	Column string
	Label  string
	Blob   string
}

// ListSecrets returns every non-empty encrypted column in the database, for
// re-encryption after a master password change.
func (s *Store) ListSecrets() ([]SecretRef, error) {
	var refs []SecretRef

	var conns []Connection
	if err := s.db.Where("encrypted_password != '' OR encrypted_passphrase != ''").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("list connection secrets: %w", err)
	}
	for _, c := range conns {
		if c.EncryptedPassword != "" {
			refs = append(refs, SecretRef{"connections", c.ID, "encrypted_password",
				fmt.Sprintf("connection %s password", c.Name), c.EncryptedPassword})
		}
		if c.EncryptedPassphrase != "" {
			refs = append(refs, SecretRef{"connections", c.ID, "encrypted_passphrase",
				fmt.Sprintf("connection %s key passphrase", c.Name), c.EncryptedPassphrase})
		}
	}

	var keys []SSHKey
	if err := s.db.Where("encrypted_passphrase != ''").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("list key secrets: %w", err)
	}
	for _, k := range keys {
		refs = append(refs, SecretRef{"ssh_keys", k.ID, "encrypted_passphrase",
			fmt.Sprintf("ssh key %s passphrase", k.Name), k.EncryptedPassphrase})
	}

	var creds []StoredCredential
	if err := s.db.Where("encrypted_password != ''").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("list credential secrets: %w", err)
	}
	for _, c := range creds {
		refs = append(refs, SecretRef{"stored_credentials", c.ID, "encrypted_password",
			fmt.Sprintf("credential %s password", c.Name), c.EncryptedPassword})
	}
	return refs, nil
}

// UpdateSecret replaces the value of one encrypted column. The update only
// applies if the column still holds ref.Blob, so a concurrent change is not
// overwritten.
func (s *Store) UpdateSecret(ref SecretRef, blob string) error {
	if ref.Column != "encrypted_password" && ref.Column != "encrypted_passphrase" {
		return fmt.Errorf("update secret: unknown column %q", ref.Column)
	}
	var res *gorm.DB
	switch ref.Table {
	case "connections", "ssh_keys", "stored_credentials":
		res = s.db.Table(ref.Table).
			Where("id = ? AND "+ref.Column+" = ?", ref.ID, ref.Blob).
			Update(ref.Column, blob)
	default:
		return fmt.Errorf("update secret: unknown table %q", ref.Table)
	}
	if res.Error != nil {
		return fmt.Errorf("update %s: %w", ref.Label, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update %s: %w", ref.Label, ErrNotFound)
	}
	return nil
}
