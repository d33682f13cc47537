package accounts

import "fmt"

const currentSchemaVersion = 1

type fileSchema struct {
	Version  int             `toml:"version"`
	Default  string          `toml:"default,omitempty"`
	Accounts []accountSchema `toml:"accounts"`
}

func (s *fileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported accounts schema version %d (current %d)", s.Version, currentSchemaVersion)
	}
	return nil
}

type accountSchema struct {
	ID            string `toml:"id"`
	Name          string `toml:"name,omitempty"`
	Login         string `toml:"login"`
	CredentialRef string `toml:"credential_ref"`
	Disabled      bool   `toml:"disabled,omitempty"`
}

func toSchema(a Account) accountSchema {
	return accountSchema{
		ID:            a.ID,
		Name:          a.Name,
		Login:         a.Login,
		CredentialRef: a.CredentialRef,
		Disabled:      a.Disabled,
	}
}

func fromSchema(s accountSchema) Account {
	return Account{
		ID:            s.ID,
		Name:          s.Name,
		Login:         s.Login,
		CredentialRef: s.CredentialRef,
		Disabled:      s.Disabled,
	}
}
