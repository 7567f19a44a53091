package service

import "strings"

// Requirement lists are stored comma-separated on the account row.

func joinRequirements(reqs []string) string {
	return strings.Join(reqs, ",")
}

func splitRequirements(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
