package flow

import (
	"time"
)

// stepDef describes one registration step: the field it collects, the
// question asked when entering it and its validator.
type stepDef struct {
	step     Step
	field    Field
	question string
	optional bool
	validate func(input string, now time.Time) (string, error)
}

// prompt is sent after the previous step was answered.
func (d stepDef) prompt() string {
	return "Merci ! " + d.question
}

func textStep(step Step, field Field, question string) stepDef {
	return stepDef{
		step:     step,
		field:    field,
		question: question,
		validate: func(input string, _ time.Time) (string, error) {
			return ValidateText(field, input, question)
		},
	}
}

func optionalTextStep(step Step, field Field, question string) stepDef {
	return stepDef{
		step:     step,
		field:    field,
		question: question,
		optional: true,
		validate: func(input string, _ time.Time) (string, error) {
			return ValidateOptionalText(field, input, question)
		},
	}
}

func ignoreClock(fn func(string) (string, error)) func(string, time.Time) (string, error) {
	return func(input string, _ time.Time) (string, error) { return fn(input) }
}

// registrationSteps is the canonical order of the intake dialogue.
var registrationSteps = []stepDef{
	textStep(StepAwaitingName, FieldLastName, "Veuillez entrer votre Nom :"),
	textStep(StepAwaitingMiddleName, FieldMiddleName, "Veuillez entrer votre Postnom :"),
	textStep(StepAwaitingGivenName, FieldGivenName, "Veuillez entrer votre Prénom :"),
	{
		step:     StepAwaitingSex,
		field:    FieldSex,
		question: "Veuillez indiquer votre sexe (" + joinLabels(SexChoices, "/") + ") :",
		validate: ignoreClock(ValidateSex),
	},
	{
		step:     StepAwaitingBirthDate,
		field:    FieldBirthDate,
		question: "Veuillez entrer votre date de naissance (AAAA-MM-JJ) :",
		validate: ValidateBirthDate,
	},
	{
		step:     StepAwaitingMaritalStatus,
		field:    FieldMaritalStatus,
		question: "Veuillez indiquer votre état civil (" + joinLabels(MaritalStatusChoices, ", ") + ") :",
		validate: ignoreClock(ValidateMaritalStatus),
	},
	{
		step:     StepAwaitingDistrict,
		field:    FieldDistrict,
		question: "Dans quelle commune habitez-vous ?\n" + bulletList(Districts),
		validate: ignoreClock(ValidateDistrict),
	},
	optionalTextStep(StepAwaitingNeighborhood, FieldNeighborhood, "Veuillez indiquer votre quartier (ou '-' pour passer) :"),
	optionalTextStep(StepAwaitingStreet, FieldStreet, "Veuillez indiquer votre avenue/rue (ou '-' pour passer) :"),
	{
		step:     StepAwaitingLanguage,
		field:    FieldLanguage,
		question: "Quelle est votre langue préférée ? (" + joinLabels(LanguageChoices, ", ") + ")",
		validate: ignoreClock(ValidateLanguage),
	},
}

var stepIndex = func() map[Step]int {
	m := make(map[Step]int, len(registrationSteps))
	for i, d := range registrationSteps {
		m[d.step] = i
	}
	return m
}()

// Prompt returns the question asked at a registration step, or "".
func Prompt(step Step) string {
	if i, ok := stepIndex[step]; ok {
		return registrationSteps[i].question
	}
	return ""
}
