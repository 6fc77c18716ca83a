package purchase

import "github.com/maneesh/sourcenet/internal/models"

var transitions = map[models.PurchaseStatus][]models.PurchaseStatus{
	models.PurchasePendingPayment: {models.PurchaseProcessing},
	models.PurchaseProcessing:     {models.PurchaseCompleted, models.PurchaseRefunded},
}

// CanTransition reports whether a purchase may move from one status to another.
func CanTransition(from, to models.PurchaseStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
