// Package cost maps pipeline work onto credit prices. Admission control
// charges two billable stages per job: the selection/fetch batch and the
// annotation batch, the latter priced by item-count bucket.
package cost

// SelectionPrice is the flat credit price for the selection/fetch batch,
// charged once at job creation.
const SelectionPrice = 5

// annotationBuckets maps an item-count ceiling to the annotation batch price.
// Checked in order; counts above the last ceiling pay the overflow price.
var annotationBuckets = []struct {
	maxItems int
	price    int
}{
	{5, 10},
	{10, 18},
	{20, 30},
}

const annotationOverflowPrice = 50

// AnnotationPrice returns the credit price for annotating itemCount items.
// Zero items cost nothing.
func AnnotationPrice(itemCount int) int {
	if itemCount <= 0 {
		return 0
	}
	for _, b := range annotationBuckets {
		if itemCount <= b.maxItems {
			return b.price
		}
	}
	return annotationOverflowPrice
}

// JobPrice returns the total credit price of a job over its billable stages.
// Used for the up-front HasCredits check; the two stages are still consumed
// separately as each begins.
func JobPrice(itemCount int) int {
	if itemCount <= 0 {
		return 0
	}
	return SelectionPrice + AnnotationPrice(itemCount)
}
