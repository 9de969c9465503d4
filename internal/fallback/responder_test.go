package fallback

import (
	"math/rand/v2"
	"slices"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"I am really stressed about exams", FamilyStress},
		{"I feel so anxious before meetings", FamilyAnxiety},
		{"I have been feeling really sad lately and cannot sleep", FamilySadness},
		{"I feel so alone since I moved here", FamilyLoneliness},
		{"hello", FamilyGreeting},
		{"Good morning!", FamilyGreeting},
		{"ok sure", FamilyAcknowledge},
		{"this is about my job and my family situation", FamilyGeneric},
		{"", FamilyGeneric},
		{"   ", FamilyGeneric},
	}
	for _, tc := range cases {
		if got := Classify(tc.text, DefaultFamilies); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestStressTakesPriorityOverAnxiety(t *testing.T) {
	if got := Classify("I'm anxious and stressed out", DefaultFamilies); got != FamilyStress {
		t.Fatalf("expected stress family first, got %q", got)
	}
}

func TestDownAloneIsNotSadness(t *testing.T) {
	for _, text := range []string{"I need to calm down before the meeting", "please slow down a little"} {
		if got := Classify(text, DefaultFamilies); got == FamilySadness {
			t.Errorf("Classify(%q) = sadness", text)
		}
	}
	if got := Classify("I've been feeling down all week", DefaultFamilies); got != FamilySadness {
		t.Fatalf("expected sadness for feeling down, got %q", got)
	}
}

func TestGreetingMatchesWholeWordsOnly(t *testing.T) {
	if got := Classify("this thing keeps happening with my manager", DefaultFamilies); got == FamilyGreeting {
		t.Fatal("'hi' inside 'this' must not count as a greeting")
	}
}

func TestRespondReturnsTemplateFromFamily(t *testing.T) {
	r := New(WithRand(rand.New(rand.NewPCG(1, 2))))
	stress := r.Templates(FamilyStress)
	for i := 0; i < 20; i++ {
		reply := r.Respond("I am really stressed about exams")
		if !slices.Contains(stress, reply) {
			t.Fatalf("reply %q not in the stress family", reply)
		}
	}
}

func TestRespondNeverEmpty(t *testing.T) {
	r := New()
	inputs := []string{"", "   ", "?!", "hello", "x", "a very long message " + string(make([]byte, 1024))}
	for _, in := range inputs {
		if reply := r.Respond(in); reply == "" {
			t.Fatalf("empty reply for %q", in)
		}
	}
}

func TestCustomFamilies(t *testing.T) {
	r := New(WithFamilies([]Family{{Name: "sleep", Keywords: []string{"insomnia"}, Templates: []string{"Sleep trouble is hard."}}}))
	if got := r.Respond("my insomnia is back again tonight"); got != "Sleep trouble is hard." {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := r.Classify("hello"); got != FamilyAcknowledge {
		t.Fatalf("default families should be replaced, got %q", got)
	}
}
