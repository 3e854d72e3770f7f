package credentials

import (
	"encoding/json"
	"slices"

	"github.com/zalando/go-keyring"
)

const knownUsersKey = "app:known_users"

// AddKnownUser records a user ID so the CLI can offer stored accounts.
func AddKnownUser(userID string) error {
	users := KnownUsers()
	if slices.Contains(users, userID) {
		return nil
	}
	users = append(users, userID)
	data, _ := json.Marshal(users)
	return keyring.Set(serviceName, knownUsersKey, string(data))
}

// RemoveKnownUser forgets a user ID.
func RemoveKnownUser(userID string) error {
	users := KnownUsers()
	filtered := slices.DeleteFunc(users, func(u string) bool { return u == userID })
	data, _ := json.Marshal(filtered)
	return keyring.Set(serviceName, knownUsersKey, string(data))
}

// KnownUsers lists user IDs with stored sessions.
func KnownUsers() []string {
	raw, err := keyring.Get(serviceName, knownUsersKey)
	if err != nil {
		return nil
	}
	var users []string
	_ = json.Unmarshal([]byte(raw), &users)
	return users
}
