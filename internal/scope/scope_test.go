package scope

import (
	"testing"

	"github.com/stenoworks/steno/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openScopeTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Session{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func seedSessions(t *testing.T, db *gorm.DB) {
	t.Helper()
	rows := []models.Session{
		{ID: "s-prod", OwnerID: "o1", Runtime: "prod"},
		{ID: "s-prod-a", OwnerID: "o1", Runtime: "prod-hosta"},
		{ID: "s-prod-b", OwnerID: "o1", Runtime: "prod-hostb"},
		{ID: "s-dev", OwnerID: "o1", Runtime: "dev"},
		{ID: "s-dev-a", OwnerID: "o1", Runtime: "dev-hosta"},
		{ID: "s-legacy", OwnerID: "o1", Runtime: ""},
	}
	for _, r := range rows {
		if err := db.Create(&r).Error; err != nil {
			t.Fatalf("seed session %s: %v", r.ID, err)
		}
	}
}

func queryIDs(t *testing.T, db *gorm.DB, s Scope, f Filter) map[string]bool {
	t.Helper()
	var sessions []models.Session
	if err := db.Scopes(s.Where(f)).Find(&sessions).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	got := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		got[sess.ID] = true
	}
	return got
}

func TestResolveExplicitOverride(t *testing.T) {
	s, err := Resolve("prod", "hostb")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Tag() != "prod-hostb" {
		t.Errorf("tag = %q, want prod-hostb", s.Tag())
	}
}

func TestResolveRejectsUnknownFamily(t *testing.T) {
	if _, err := Resolve("staging", "h"); err == nil {
		t.Fatal("expected error for unknown family")
	}
}

func TestStrictFilter(t *testing.T) {
	db := openScopeTestDB(t)
	seedSessions(t, db)

	s := Scope{Family: "prod", Host: "hosta"}
	got := queryIDs(t, db, s, Strict)
	if len(got) != 1 || !got["s-prod-a"] {
		t.Errorf("strict filter matched %v, want only s-prod-a", got)
	}
}

func TestFamilyMatchCrossHost(t *testing.T) {
	db := openScopeTestDB(t)
	seedSessions(t, db)

	// A prod-hostB resolver sees the whole prod family from any host.
	s := Scope{Family: "prod", Host: "hostb"}
	got := queryIDs(t, db, s, FamilyMatch)
	for _, want := range []string{"s-prod", "s-prod-a", "s-prod-b"} {
		if !got[want] {
			t.Errorf("family match missing %s (got %v)", want, got)
		}
	}
	if got["s-dev"] || got["s-dev-a"] || got["s-legacy"] {
		t.Errorf("family match leaked foreign rows: %v", got)
	}

	// And a prod-hostA row is invisible under a dev family filter.
	d := Scope{Family: "dev", Host: "hostx"}
	got = queryIDs(t, db, d, FamilyMatch)
	if got["s-prod-a"] {
		t.Errorf("dev family filter matched a prod row")
	}
}

func TestLegacyAsymmetry(t *testing.T) {
	db := openScopeTestDB(t)
	seedSessions(t, db)

	// Production absorbs legacy untagged rows.
	p := Scope{Family: "prod", Host: "hostb"}
	got := queryIDs(t, db, p, FamilyWithLegacy)
	if !got["s-legacy"] {
		t.Errorf("prod FamilyWithLegacy should match legacy rows, got %v", got)
	}

	// Development never does, even with the same filter.
	d := Scope{Family: "dev", Host: "hosta"}
	got = queryIDs(t, db, d, FamilyWithLegacy)
	if got["s-legacy"] {
		t.Errorf("dev FamilyWithLegacy must not match legacy rows")
	}
	if !got["s-dev"] || !got["s-dev-a"] {
		t.Errorf("dev FamilyWithLegacy should still match its own family, got %v", got)
	}
}

func TestMergeComposesWithCallerQuery(t *testing.T) {
	db := openScopeTestDB(t)
	seedSessions(t, db)

	s := Scope{Family: "prod"}
	var sessions []models.Session
	q := db.Where("owner_id = ?", "o1")
	if err := s.Merge(q, FamilyMatch).Find(&sessions).Error; err != nil {
		t.Fatalf("merged query: %v", err)
	}
	if len(sessions) != 3 {
		t.Errorf("merged query returned %d rows, want 3", len(sessions))
	}
}

func TestMatchesMirrorsSQL(t *testing.T) {
	p := Scope{Family: "prod", Host: "hostb"}
	cases := []struct {
		tag  string
		f    Filter
		want bool
	}{
		{"prod-hostb", Strict, true},
		{"prod-hosta", Strict, false},
		{"prod-hosta", FamilyMatch, true},
		{"production", FamilyMatch, false},
		{"", FamilyMatch, false},
		{"", FamilyWithLegacy, true},
	}
	for _, c := range cases {
		if got := p.Matches(c.tag, c.f); got != c.want {
			t.Errorf("Matches(%q, %v) = %v, want %v", c.tag, c.f, got, c.want)
		}
	}

	d := Scope{Family: "dev"}
	if d.Matches("", FamilyWithLegacy) {
		t.Errorf("dev scope must never match legacy tags")
	}
}
