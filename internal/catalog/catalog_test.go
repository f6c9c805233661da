package catalog

import (
	"errors"
	"testing"
)

func TestResolveLegacyPeriod(t *testing.T) {
	stages, err := Resolve("2022", "")
	if err != nil {
		t.Fatalf("resolve 2022: %v", err)
	}
	if len(stages) != 8 {
		t.Fatalf("2022 has %d stages, want 8", len(stages))
	}
	for i, s := range stages {
		if s.Number != i+1 {
			t.Fatalf("stage %d numbered %d", i, s.Number)
		}
		switch s.Responsible {
		case "engineering", "finance", "shared":
		default:
			t.Fatalf("stage %d has responsible %q", i, s.Responsible)
		}
	}
	// work type is ignored for fixed periods
	again, err := Resolve("2022", WorkTypeFinished)
	if err != nil || len(again) != 8 {
		t.Fatalf("resolve 2022 with work type: %v", err)
	}
}

func TestResolveBranchingPeriods(t *testing.T) {
	for _, period := range []string{"2023", "2024"} {
		for _, wt := range []string{WorkTypeFinished, WorkTypeInProgress} {
			stages, err := Resolve(period, wt)
			if err != nil {
				t.Fatalf("resolve %s/%s: %v", period, wt, err)
			}
			if len(stages) != 4 {
				t.Fatalf("%s/%s has %d stages, want 4", period, wt, len(stages))
			}
			for i, s := range stages {
				if s.Number != i+1 {
					t.Fatalf("%s/%s stage %d numbered %d", period, wt, i, s.Number)
				}
			}
		}
		var mwe MissingWorkTypeError
		if _, err := Resolve(period, ""); !errors.As(err, &mwe) {
			t.Fatalf("resolve %s without work type: %v", period, err)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	var ipe InvalidPeriodError
	if _, err := Resolve("2019", ""); !errors.As(err, &ipe) {
		t.Fatalf("unknown period: %v", err)
	}
	if ipe.Period != "2019" {
		t.Fatalf("error period = %q", ipe.Period)
	}
	if _, err := Resolve("2023", "demolished"); err == nil {
		t.Fatal("unknown work type must fail")
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	a, _ := Resolve("2022", "")
	a[0].Name = "mutated"
	b, _ := Resolve("2022", "")
	if b[0].Name == "mutated" {
		t.Fatal("catalog leaked its backing slice")
	}
}

func TestPeriodsListing(t *testing.T) {
	infos := Periods()
	if len(infos) != 3 {
		t.Fatalf("catalog lists %d periods", len(infos))
	}
	for i := 1; i < len(infos); i++ {
		if infos[i-1].ID >= infos[i].ID {
			t.Fatalf("periods not sorted: %s before %s", infos[i-1].ID, infos[i].ID)
		}
	}
	for _, info := range infos {
		if info.RequiresWorkType != RequiresWorkType(info.ID) {
			t.Fatalf("period %s work-type flag inconsistent", info.ID)
		}
	}
}
