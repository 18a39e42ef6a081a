package roster

// Seed provides a small roster for running without a database. User 3 is
// the assistant account; point AI_SYSTEM_USER_ID at it.
func Seed() ([]User, []Group) {
	users := []User{
		{ID: 1, Username: "alice", Name: "Alice"},
		{ID: 2, Username: "bob", Name: "Bob"},
		{ID: 3, Username: "ai_assistant", Name: "Accord"},
		{ID: 4, Username: "carol", Name: "Carol"},
	}
	groups := []Group{
		{ID: 1, Name: "general", Members: []int64{1, 2, 3, 4}},
		{ID: 2, Name: "design", Members: []int64{1, 4}},
	}
	return users, groups
}
