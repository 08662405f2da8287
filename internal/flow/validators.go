package flow

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lobikohealth/LobikoPipe/internal/models"
)

// BirthDateLayout is the only accepted birth date format (AAAA-MM-JJ).
const BirthDateLayout = "2006-01-02"

var birthDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// SkipToken is accepted at optional steps as "not provided".
const SkipToken = "-"

// ValidationError is a rejected answer. Message is the text sent back to the
// user; the step does not advance.
type ValidationError struct {
	Field   Field
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field Field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// firstLetter returns the upper-cased first letter of the trimmed input.
func firstLetter(input string) string {
	r, _ := utf8.DecodeRuneInString(strings.TrimSpace(input))
	if r == utf8.RuneError || !unicode.IsLetter(r) {
		return ""
	}
	return string(unicode.ToUpper(r))
}

// ValidateText accepts any non-empty answer. question is repeated on rejection.
func ValidateText(field Field, input, question string) (string, error) {
	v := strings.Join(strings.Fields(input), " ")
	if v == "" {
		return "", invalid(field, "❌ Ce champ est obligatoire. "+question)
	}
	if utf8.RuneCountInString(v) > models.MaxNameLength {
		return "", invalid(field, fmt.Sprintf("❌ Réponse trop longue (%d caractères maximum). %s", models.MaxNameLength, question))
	}
	return v, nil
}

// ValidateOptionalText accepts empty input (or SkipToken) as "not provided",
// normalized to the empty string.
func ValidateOptionalText(field Field, input, question string) (string, error) {
	v := strings.TrimSpace(input)
	if v == "" || v == SkipToken {
		return "", nil
	}
	return ValidateText(field, v, question)
}

// ValidateSex matches the first letter against SexChoices.
func ValidateSex(input string) (string, error) {
	letter := firstLetter(input)
	for _, c := range SexChoices {
		if c.Code == letter {
			return c.Code, nil
		}
	}
	return "", invalid(FieldSex, "❌ Sexe invalide. Options: "+joinLabels(SexChoices, ", "))
}

// ValidateBirthDate accepts strict AAAA-MM-JJ dates that are not after today.
func ValidateBirthDate(input string, now time.Time) (string, error) {
	v := strings.TrimSpace(input)
	if !birthDatePattern.MatchString(v) {
		return "", invalid(FieldBirthDate, "❌ Format de date invalide. Utilisez AAAA-MM-JJ.")
	}
	d, err := time.Parse(BirthDateLayout, v)
	if err != nil {
		return "", invalid(FieldBirthDate, "❌ Format de date invalide. Utilisez AAAA-MM-JJ.")
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if d.After(today) {
		return "", invalid(FieldBirthDate, "❌ La date de naissance ne peut pas être dans le futur. Utilisez AAAA-MM-JJ.")
	}
	return v, nil
}

// ValidateMaritalStatus matches the first letter against MaritalStatusChoices.
// The first entry in declared order wins.
func ValidateMaritalStatus(input string) (string, error) {
	letter := firstLetter(input)
	if letter != "" {
		for _, c := range MaritalStatusChoices {
			if firstLetter(c.Label) == letter {
				return c.Label, nil
			}
		}
	}
	return "", invalid(FieldMaritalStatus, "❌ État civil invalide. Choisissez par la première lettre :\n"+codedList(MaritalStatusChoices))
}

// ValidateDistrict requires an exact, case-insensitive commune name and
// returns its canonical spelling.
func ValidateDistrict(input string) (string, error) {
	v := strings.TrimSpace(input)
	for _, d := range Districts {
		if strings.EqualFold(d, v) {
			return d, nil
		}
	}
	return "", invalid(FieldDistrict, "❌ Commune invalide. Veuillez choisir parmi :\n"+bulletList(Districts))
}

// ValidateLanguage matches a two-letter code or a full label and returns the code.
func ValidateLanguage(input string) (string, error) {
	v := strings.TrimSpace(input)
	for _, c := range LanguageChoices {
		if strings.EqualFold(c.Code, v) || strings.EqualFold(c.Label, v) {
			return c.Code, nil
		}
	}
	return "", invalid(FieldLanguage, "❌ Langue invalide. Choisissez par le code (2 lettres) ou le nom :\n"+codedList(LanguageChoices))
}
