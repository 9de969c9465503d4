// Package fallback produces canned empathetic replies when no model is reachable.
package fallback

import (
	"math/rand/v2"
	"strings"
	"sync"
	"unicode"
)

// Family names returned by Classify.
const (
	FamilyStress      = "stress"
	FamilyAnxiety     = "anxiety"
	FamilySadness     = "sadness"
	FamilyLoneliness  = "loneliness"
	FamilyGreeting    = "greeting"
	FamilyAcknowledge = "acknowledgment"
	FamilyGeneric     = "generic"
)

// shortMessageWords is the word count at or below which a message without a
// keyword match gets an acknowledgment instead of a generic reply.
const shortMessageWords = 3

// Family is a keyword set and the templates used when it matches. Keywords
// match whole words; keywords containing a space match as phrases.
type Family struct {
	Name      string
	Keywords  []string
	Templates []string
}

// DefaultFamilies is checked in order; the first match wins.
var DefaultFamilies = []Family{
	{
		Name: FamilyStress,
		Keywords: []string{
			"stress", "stressed", "stressful", "stressing", "overwhelmed", "overwhelming",
			"pressure", "burnout", "burned out", "burnt out", "exhausted", "too much",
			"deadline", "deadlines", "exam", "exams",
		},
		Templates: []string{
			"It sounds like you're carrying a lot of pressure right now. That can be really draining. What feels like the heaviest part of it?",
			"Being stressed like this is exhausting, and it makes sense that you feel stretched. Would it help to talk through what's on your plate?",
			"That sounds like a lot to handle at once. You don't have to sort it all out right now. What's one thing that's weighing on you most?",
		},
	},
	{
		Name: FamilyAnxiety,
		Keywords: []string{
			"anxiety", "anxious", "nervous", "worried", "worry", "worrying", "panic",
			"panicking", "scared", "afraid", "fear", "on edge", "uneasy",
		},
		Templates: []string{
			"Anxiety can make everything feel urgent and uncertain. You're safe to take a slow breath here. What's been on your mind the most?",
			"It sounds like worry has a strong grip right now. That's a hard place to be. When did you start noticing it?",
			"Feeling on edge like that is really uncomfortable. I'm here with you. What do you think is fueling the worry?",
		},
	},
	{
		Name: FamilySadness,
		Keywords: []string{
			"sad", "sadness", "depressed", "depressing", "feeling down", "feel down", "unhappy", "hopeless",
			"crying", "cry", "grief", "grieving", "heartbroken", "miserable", "empty",
		},
		Templates: []string{
			"I'm sorry you're feeling this way. Sadness can be really heavy to carry. Would you like to share what's been happening?",
			"That sounds painful, and your feelings make sense. You don't have to go through it alone. What has today been like for you?",
			"Thank you for telling me you're feeling down. It takes courage to say that. What do you think would help even a little right now?",
		},
	},
	{
		Name: FamilyLoneliness,
		Keywords: []string{
			"lonely", "loneliness", "alone", "isolated", "no friends", "nobody", "left out",
		},
		Templates: []string{
			"Feeling lonely can hurt in a very quiet way. I'm glad you reached out. Who or what have you been missing lately?",
			"It sounds like you've been feeling isolated. That's really hard. What kind of connection would feel good right now?",
		},
	},
	{
		Name: FamilyGreeting,
		Keywords: []string{
			"hello", "hi", "hey", "hiya", "good morning", "good afternoon", "good evening",
		},
		Templates: []string{
			"Hello! I'm glad you're here. I'm here to listen and support you. What's on your mind today?",
			"Hi there! Thank you for reaching out. This is a safe space to share whatever you'd like. How are you feeling?",
			"Welcome! I'm here to listen. Whatever you're experiencing, you don't have to face it alone. What would you like to talk about?",
		},
	},
}

// AcknowledgmentTemplates answer very short messages with no keyword match.
var AcknowledgmentTemplates = []string{
	"I understand. Please, continue whenever you're ready.",
	"I see. Take your time, there's no rush here.",
	"Okay, I'm following you. What comes to mind next?",
}

// GenericTemplates answer everything else.
var GenericTemplates = []string{
	"I hear you, and I appreciate you sharing that with me. It sounds like you're going through something important. Would you like to tell me more about how that makes you feel?",
	"Thank you for opening up. What you're experiencing sounds meaningful. Can you help me understand a bit more about what's on your mind?",
	"I'm here to listen. It takes courage to express yourself like this. What feels most important for you to explore right now?",
	"That sounds like it weighs on you. I want you to know that your feelings are valid. What would feel most helpful to discuss?",
	"I appreciate your trust in sharing this with me. Sometimes talking through our thoughts can help us see things more clearly. What else is coming up for you?",
	"It sounds like there's a lot going on for you. Take your time, I'm here to listen without judgment. What feels most pressing?",
}

// Responder picks a template for a message. It is safe for concurrent use.
type Responder struct {
	families []Family
	mu       sync.Mutex
	rnd      *rand.Rand
}

// Option customizes a Responder.
type Option func(*Responder)

// WithRand sets the random source used to pick templates.
func WithRand(r *rand.Rand) Option {
	return func(resp *Responder) { resp.rnd = r }
}

// WithFamilies replaces the keyword families.
func WithFamilies(families []Family) Option {
	return func(resp *Responder) { resp.families = families }
}

func New(opts ...Option) *Responder {
	r := &Responder{families: DefaultFamilies}
	for _, opt := range opts {
		opt(r)
	}
	if r.rnd == nil {
		r.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return r
}

// Respond returns a non-empty reply for text.
func (r *Responder) Respond(text string) string {
	return r.pick(r.Templates(Classify(text, r.families)))
}

// Classify returns the family name for text.
func (r *Responder) Classify(text string) string {
	return Classify(text, r.families)
}

// Templates returns the candidate replies for a family name.
func (r *Responder) Templates(family string) []string {
	switch family {
	case FamilyAcknowledge:
		return AcknowledgmentTemplates
	case FamilyGeneric:
		return GenericTemplates
	}
	for _, f := range r.families {
		if f.Name == family && len(f.Templates) > 0 {
			return f.Templates
		}
	}
	return GenericTemplates
}

func (r *Responder) pick(templates []string) string {
	r.mu.Lock()
	i := r.rnd.IntN(len(templates))
	r.mu.Unlock()
	return templates[i]
}

// Classify matches text against families in order.
func Classify(text string, families []Family) string {
	words := tokenize(text)
	if len(words) == 0 {
		return FamilyGeneric
	}
	padded := " " + strings.Join(words, " ") + " "
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	for _, f := range families {
		for _, kw := range f.Keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(padded, " "+kw+" ") {
					return f.Name
				}
				continue
			}
			if _, ok := set[kw]; ok {
				return f.Name
			}
		}
	}
	if len(words) <= shortMessageWords {
		return FamilyAcknowledge
	}
	return FamilyGeneric
}

// tokenize lowercases text and splits it into words, keeping inner apostrophes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
