package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Skill is a named skill attached to a user profile.
type Skill struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// User is the backend profile of the signed-in student.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
	Skills    []Skill   `json:"skills"`
}

// naiveTimestamp is the layout used by the user API for zone-less datetimes.
const naiveTimestamp = "2006-01-02T15:04:05.999999999"

// UnmarshalJSON accepts RFC 3339 timestamps as well as zone-less ones, read as UTC.
func (u *User) UnmarshalJSON(data []byte) error {
	type wire User
	aux := struct {
		*wire
		CreatedAt string `json:"created_at"`
	}{wire: (*wire)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	u.CreatedAt = time.Time{}
	raw := strings.TrimSpace(aux.CreatedAt)
	if raw == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		u.CreatedAt = ts
		return nil
	}
	ts, err := time.ParseInLocation(naiveTimestamp, raw, time.UTC)
	if err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	u.CreatedAt = ts
	return nil
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.Skills = append([]Skill(nil), u.Skills...)
	return &out
}

func (u User) validate() error {
	if u.ID == 0 || strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("profile is missing id or email")
	}
	seen := make(map[int64]struct{}, len(u.Skills))
	for _, s := range u.Skills {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate skill id %d", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Job is a listing scraped by the backend crawler.
type Job struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Company  string `json:"company"`
	Location string `json:"location"`
	URL      string `json:"url"`
	Source   string `json:"source"`
}
