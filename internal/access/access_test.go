package access

import "testing"

func TestCanModifyMatrix(t *testing.T) {
	cases := []struct {
		role string
		tag  string
		want bool
	}{
		{RoleAdmin, TagEngineering, true},
		{RoleAdmin, TagFinance, true},
		{RoleAdmin, TagShared, true},
		{RoleReadOnly, TagEngineering, false},
		{RoleReadOnly, TagFinance, false},
		{RoleReadOnly, TagShared, false},
		{RoleEngineering, TagEngineering, true},
		{RoleEngineering, TagFinance, false},
		{RoleEngineering, TagShared, true},
		{RoleFinance, TagEngineering, false},
		{RoleFinance, TagFinance, true},
		{RoleFinance, TagShared, true},
	}
	for _, c := range cases {
		if got := CanModify(c.role, c.tag); got != c.want {
			t.Errorf("CanModify(%s, %s) = %v, want %v", c.role, c.tag, got, c.want)
		}
	}
}

func TestCanModifyUnknownValues(t *testing.T) {
	if CanModify("intern", TagShared) {
		t.Error("unknown role must be denied")
	}
	if CanModify(RoleEngineering, "legal") {
		t.Error("unknown tag must be denied for scoped roles")
	}
	if CanModify("", "") {
		t.Error("empty role and tag must be denied")
	}
	// admin bypasses tag checks entirely
	if !CanModify(RoleAdmin, "legal") {
		t.Error("admin must pass for any tag")
	}
}

func TestForbiddenErrorMessage(t *testing.T) {
	err := ForbiddenError{Role: RoleFinance, Tag: TagEngineering}
	if err.Error() == "" {
		t.Fatal("empty message")
	}
	bare := ForbiddenError{Role: RoleReadOnly}
	if bare.Error() == "" {
		t.Fatal("empty message without tag")
	}
}
