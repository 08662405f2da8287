package flow

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/lobikohealth/LobikoPipe/internal/models"
)

// DefaultVideoBaseURL hosts the video rooms sent to patients.
const DefaultVideoBaseURL = "https://meet.jit.si/"

// User-facing replies. Prompts for each registration step live in steps.go.
const (
	MsgGreeting = "👋 Bonjour ! Pour nous permettre de mieux vous prendre en charge, veuillez répondre à ces quelques questions. Pour commencer, quel est votre Nom ? (Tapez 'stop' pour annuler)"

	MsgCancelled          = "✅ Opération annulée. Tapez à nouveau pour recommencer."
	MsgRegistrationFailed = "❌ Erreur lors de l'inscription. Veuillez recommencer."
	MsgAlreadyRegistered  = "ℹ️ Vous êtes déjà inscrit(e). Envoyez-nous un message si vous désirez consulter un médecin."
	MsgRegistrationExpiry = "⏱️ Délai d'inscription dépassé. Veuillez recommencer."
	MsgTemporaryFailure   = "⚠️ Une erreur temporaire est survenue. Veuillez renvoyer votre message."

	MsgSessionCreated         = "✅ Votre demande a été enregistrée. Un médecin va vous contacter. Tapez 'stop consultation' pour annuler."
	MsgSessionAlreadyOpen     = "✅ Votre demande est déjà en cours. Un médecin va vous répondre."
	MsgConsultDeclined        = "👍 Demande non confirmée. Envoyez-nous un message si vous souhaitez consulter un médecin plus tard."
	MsgConsultReprompt        = "Répondez par 'oui' pour consulter un médecin, 'non' pour refuser ou 'stop' pour annuler."
	MsgSessionClosedByPatient = "✅ Consultation terminée. Merci !"
)

// RegistrationSuccess is sent once the patient record is stored.
func RegistrationSuccess(givenName string) string {
	return fmt.Sprintf("✅ Inscription réussie, %s ! Merci d'avoir choisi Lobiko Health, vous pouvez nous envoyer un message si vous désirez consulter un médecin", givenName)
}

// ConsultPrompt asks a registered patient whether they want a physician.
func ConsultPrompt(givenName string) string {
	return fmt.Sprintf("👋 Bonjour %s ! Souhaitez-vous consulter un médecin ?\nRépondez par 'oui' pour confirmer ou 'stop' pour annuler.", givenName)
}

// PhysicianClosedNotice tells the patient the physician ended the session.
func PhysicianClosedNotice(physicianName string) string {
	return fmt.Sprintf("🗓️ Consultation terminée\n\nDr %s a clôturé la discussion. Merci pour votre confiance !\n\nPour une nouvelle consultation, n'hésitez à nous contacter.", physicianName)
}

// VideoCallLink builds a room URL unique to one call. The physician's name is
// prefilled as the display name.
func VideoCallLink(baseURL string, doc *models.Physician, patientID int64) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	room := fmt.Sprintf("consult-%d-%d-%s", doc.ID, patientID, token)
	return strings.TrimSuffix(baseURL, "/") + "/" + url.PathEscape(room) +
		"#userInfo.displayName=" + url.PathEscape("Dr "+doc.Name)
}

// VideoCallInvite carries the video link to the patient.
func VideoCallInvite(link string) string {
	return "🔊 Lien pour la consultation vidéo : " + link
}
