// Package identity resolves who the harvester runs as: the WhoAmI call, the
// matching systemuser record and its role privileges.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/dataverse-harvester/pkg/client"
	"github.com/rs/zerolog"
)

// ErrBootstrap matches every bootstrap failure. It is fatal to a run.
var ErrBootstrap = errors.New("identity bootstrap failed")

// Privilege is one role privilege held by the user.
type Privilege struct {
	Depth                  string `json:"Depth"`
	PrivilegeID            string `json:"PrivilegeId"`
	BusinessUnitID         string `json:"BusinessUnitId"`
	PrivilegeName          string `json:"PrivilegeName"`
	RecordFilterID         string `json:"RecordFilterId"`
	RecordFilterUniqueName string `json:"RecordFilterUniqueName"`
}

// Identity is the resolved caller.
type Identity struct {
	UserID         string
	BusinessUnitID string
	OrganizationID string
	WindowsLiveID  string
	FullName       string
	Title          string
	Privileges     []Privilege
}

// HasPrivilege reports whether the user holds the named privilege.
func (id *Identity) HasPrivilege(name string) bool {
	for _, p := range id.Privileges {
		if strings.EqualFold(p.PrivilegeName, name) {
			return true
		}
	}
	return false
}

type whoAmIResponse struct {
	UserID         string `json:"UserId"`
	BusinessUnitID string `json:"BusinessUnitId"`
	OrganizationID string `json:"OrganizationId"`
}

type systemUser struct {
	SystemUserID  string  `json:"systemuserid"`
	WindowsLiveID string  `json:"windowsliveid"`
	FullName      string  `json:"fullname"`
	Title         *string `json:"title"`
}

type userPrivileges struct {
	RolePrivileges []Privilege `json:"RolePrivileges"`
}

// Bootstrap runs the three identity calls against the Web API root base.
func Bootstrap(ctx context.Context, exec client.Executor, base string, logger zerolog.Logger) (*Identity, error) {
	base = strings.TrimRight(base, "/")
	logger = logger.With().Str("component", "identity").Logger()

	var who whoAmIResponse
	if err := get(ctx, exec, base+"/WhoAmI", &who); err != nil {
		return nil, fmt.Errorf("%w: whoami: %w", ErrBootstrap, err)
	}
	if who.UserID == "" {
		return nil, fmt.Errorf("%w: whoami returned no UserId", ErrBootstrap)
	}

	var user systemUser
	if err := get(ctx, exec, fmt.Sprintf("%s/systemusers(%s)", base, url.PathEscape(who.UserID)), &user); err != nil {
		return nil, fmt.Errorf("%w: systemuser: %w", ErrBootstrap, err)
	}
	if user.SystemUserID == "" {
		user.SystemUserID = who.UserID
	}

	title := ""
	if user.Title != nil {
		title = *user.Title
	}
	logger.Info().
		Str("windowsliveid", user.WindowsLiveID).
		Str("systemuserid", user.SystemUserID).
		Str("title", title).
		Msg("Resolved systemuser")

	var privs userPrivileges
	privURL := fmt.Sprintf("%s/systemusers(%s)/Microsoft.Dynamics.CRM.RetrieveUserPrivileges", base, url.PathEscape(user.SystemUserID))
	if err := get(ctx, exec, privURL, &privs); err != nil {
		return nil, fmt.Errorf("%w: privileges: %w", ErrBootstrap, err)
	}

	for _, p := range privs.RolePrivileges {
		logger.Debug().
			Str("name", p.PrivilegeName).
			Str("privilege_id", p.PrivilegeID).
			Str("depth", p.Depth).
			Msg("Role privilege")
	}
	logger.Info().Int("privileges", len(privs.RolePrivileges)).Msg("Retrieved role privileges")

	return &Identity{
		UserID:         user.SystemUserID,
		BusinessUnitID: who.BusinessUnitID,
		OrganizationID: who.OrganizationID,
		WindowsLiveID:  user.WindowsLiveID,
		FullName:       user.FullName,
		Title:          title,
		Privileges:     privs.RolePrivileges,
	}, nil
}

func get(ctx context.Context, exec client.Executor, target string, out any) error {
	resp, err := exec.Execute(ctx, target, nil)
	if err != nil {
		return err
	}
	if err := client.CheckStatus(resp); err != nil {
		return err
	}
	if err := resp.JSON(out); err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}
	return nil
}
