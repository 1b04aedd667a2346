package presence

import (
	"net/http"
	"sort"

	"collab-server/core"
	"collab-server/middleware"
	"collab-server/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	DocumentSummary struct {
		ID    string `json:"id"`
		Users int    `json:"users"`
	}

	PresenceResponse struct {
		DocumentID   string             `json:"document_id"`
		Participants []core.Participant `json:"participants"`
	}

	// PresenceReader is the read side of the presence registry.
	PresenceReader interface {
		Documents() []session.DocumentPresence
		Roster(documentID string) session.Roster
	}
)

// HandleListDocuments lists the documents with live participants that the
// caller may view, busiest first.
func HandleListDocuments(reader PresenceReader, authorizer session.Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := middleware.ParticipantFromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		documents := make([]DocumentSummary, 0)
		for _, doc := range reader.Documents() {
			if !authorizer.Authorize(r.Context(), caller.ID, doc.DocumentID, core.CapabilityView) {
				continue
			}
			documents = append(documents, DocumentSummary{ID: doc.DocumentID, Users: doc.Participants})
		}

		sort.Slice(documents, func(i, j int) bool {
			if documents[i].Users == documents[j].Users {
				return documents[i].ID < documents[j].ID
			}
			return documents[i].Users > documents[j].Users
		})

		render.JSON(w, r, documents)
	}
}

// HandleGetPresence returns the current roster of one document.
func HandleGetPresence(reader PresenceReader, authorizer session.Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := chi.URLParam(r, "documentId")
		caller, ok := middleware.ParticipantFromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if !authorizer.Authorize(r.Context(), caller.ID, documentID, core.CapabilityView) {
			logrus.WithFields(logrus.Fields{
				"document_id": documentID,
				"user_id":     caller.ID,
			}).Debug("Presence read denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		render.JSON(w, r, PresenceResponse{
			DocumentID:   documentID,
			Participants: reader.Roster(documentID).Participants(),
		})
	}
}
