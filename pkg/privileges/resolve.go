// Package privileges resolves a user's security roles, team roles and
// privilege names offline, from collections written by a harvest.
package privileges

import (
	"context"
	"fmt"
	"sort"

	"github.com/Sternrassler/dataverse-harvester/pkg/pagination"
	"github.com/Sternrassler/dataverse-harvester/pkg/record"
)

// Collections read by Resolve.
const (
	SetUserRoles       = "systemuserrolescollection"
	SetTeamMemberships = "teammemberships"
	SetTeamRoles       = "teamrolescollection"
	SetRolePrivileges  = "roleprivilegescollection"
	SetRoles           = "roles"
	SetTeams           = "teams"
	SetPrivileges      = "privileges"
)

// Source loads a harvested collection. *sink.FileSink implements it.
type Source interface {
	Load(ctx context.Context, setName string) (*pagination.Result, error)
}

// Role is a security role with the names of its privileges, in file order.
type Role struct {
	ID         string
	Name       string
	Privileges []string
}

// Team is a team the user belongs to, with the roles assigned to it.
type Team struct {
	ID    string
	Name  string
	Roles []Role
}

// Report is everything a user holds, directly or through teams.
type Report struct {
	UserID string
	Roles  []Role
	Teams  []Team
}

// Privileges returns the distinct privilege names from direct and team
// roles, sorted.
func (r *Report) Privileges() []string {
	seen := make(map[string]struct{})
	add := func(roles []Role) {
		for _, role := range roles {
			for _, p := range role.Privileges {
				seen[p] = struct{}{}
			}
		}
	}
	add(r.Roles)
	for _, t := range r.Teams {
		add(t.Roles)
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// index holds the lookups built from the loaded collections.
type index struct {
	roleNames      map[string]string
	teamNames      map[string]string
	teamRoles      map[string][]string
	rolePrivileges map[string][]string
	privilegeNames map[string]string
}

// Resolve builds the report for userID. Every collection listed above must
// be loadable from src.
func Resolve(ctx context.Context, src Source, userID string) (*Report, error) {
	load := func(set string) ([]record.Record, error) {
		res, err := src.Load(ctx, set)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", set, err)
		}
		return res.Records, nil
	}

	userRoles, err := load(SetUserRoles)
	if err != nil {
		return nil, err
	}
	memberships, err := load(SetTeamMemberships)
	if err != nil {
		return nil, err
	}

	idx := index{}
	steps := []struct {
		set string
		fn  func([]record.Record)
	}{
		{SetRoles, func(recs []record.Record) { idx.roleNames = lookup(recs, "roleid", "name") }},
		{SetTeams, func(recs []record.Record) { idx.teamNames = lookup(recs, "teamid", "name") }},
		{SetTeamRoles, func(recs []record.Record) { idx.teamRoles = group(recs, "teamid", "roleid") }},
		{SetRolePrivileges, func(recs []record.Record) { idx.rolePrivileges = group(recs, "roleid", "privilegeid") }},
		{SetPrivileges, func(recs []record.Record) { idx.privilegeNames = lookup(recs, "privilegeid", "name") }},
	}
	for _, step := range steps {
		recs, err := load(step.set)
		if err != nil {
			return nil, err
		}
		step.fn(recs)
	}

	report := &Report{UserID: userID}
	for _, roleID := range matching(userRoles, "systemuserid", userID, "roleid") {
		report.Roles = append(report.Roles, idx.role(roleID))
	}
	for _, teamID := range matching(memberships, "systemuserid", userID, "teamid") {
		team := Team{ID: teamID, Name: nameOr(idx.teamNames, teamID)}
		for _, roleID := range idx.teamRoles[teamID] {
			team.Roles = append(team.Roles, idx.role(roleID))
		}
		report.Teams = append(report.Teams, team)
	}
	return report, nil
}

func (idx index) role(id string) Role {
	role := Role{ID: id, Name: nameOr(idx.roleNames, id)}
	for _, privID := range idx.rolePrivileges[id] {
		// Privileges missing from the privileges collection are skipped.
		if name, ok := idx.privilegeNames[privID]; ok {
			role.Privileges = append(role.Privileges, name)
		}
	}
	return role
}

func nameOr(names map[string]string, id string) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return id
}

func str(rec record.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

// matching returns the distinct values of attr for records where key == want.
func matching(recs []record.Record, key, want, attr string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, rec := range recs {
		if str(rec, key) != want {
			continue
		}
		v := str(rec, attr)
		if _, dup := seen[v]; v == "" || dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func lookup(recs []record.Record, key, attr string) map[string]string {
	out := make(map[string]string, len(recs))
	for _, rec := range recs {
		if k := str(rec, key); k != "" {
			out[k] = str(rec, attr)
		}
	}
	return out
}

func group(recs []record.Record, key, attr string) map[string][]string {
	out := make(map[string][]string)
	for _, rec := range recs {
		k, v := str(rec, key), str(rec, attr)
		if k != "" && v != "" {
			out[k] = append(out[k], v)
		}
	}
	return out
}
