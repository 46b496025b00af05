package conversation

import "fmt"

// Dialog prompts.
const (
	PromptWelcome        = "Hi! Welcome to Automatic Valet Parking."
	PromptCheckInOffer   = `Reply "check-in" to check in your car.`
	PromptPlate          = "Please provide your car license plate number:"
	PromptOwner          = "Please provide the owner's full name:"
	PromptModel          = "Please provide the car model:"
	PromptContact        = "Please provide your contact number:"
	PromptStatusChoice   = "Please select your status: busy or free"
	PromptCanceled       = `Check-in canceled. Type "hi" to start again.`
	PromptHelp           = `I did not understand your request. Please type "hi" to start over or "status" to update your driver status.`
	PromptInvalidPlate   = "That does not look like a license plate. Please send letters and digits only:"
	PromptInvalidOwner   = "Please provide the owner's full name (at least 2 characters):"
	PromptInvalidModel   = "Please provide the car model:"
	PromptInvalidPhone   = "Please provide a valid contact number (10 to 15 digits, optionally starting with +):"
	PromptInvalidStatus  = `Invalid status. Please choose either "busy" or "free".`
	PromptInvalidQR      = "Invalid QR code format. Please scan a valid QR code."
	PromptPhotoNotDriver = "You are not authorized to submit car photos. Only registered drivers can do this."
	PromptNoCarToPark    = "No car assigned to you for parking confirmation."
	PromptRateLimited    = "You are sending messages too quickly. Please wait a moment and try again."
)

// Outcome messages sent after an intent is executed.
const (
	MsgCheckInQRCaption    = "Scan this QR code at the parking gate for check-in."
	MsgRetrievalQRCaption  = "Show this QR code to your driver to release your car."
	MsgRetrievalReissued   = "Your previous retrieval QR code expired. Here is a new one."
	MsgPlateInUse          = "This car is already checked in. Type \"retrieval\" to get it back."
	MsgNoFreeSlots         = "No free slots available."
	MsgNoFreeDrivers       = "No drivers are currently available. Please try again in a few minutes."
	MsgNotDriver           = "You are not authorized to scan QR codes. Please ensure you are a registered driver."
	MsgQRExpired           = "This QR code has expired. The owner can type \"retrieval\" again to get a new one."
	MsgRetrievalPending    = "Your retrieval QR code is still valid. Please show it to your driver."
	MsgQRUsed              = "This QR code has already been used."
	MsgQRMismatch          = "QR code does not match car or owner details."
	MsgQRInvalid           = "Invalid or expired QR code."
	MsgWrongState          = "This car is not in a state that allows this action."
	MsgNotAssignedDriver   = "You are not the assigned driver for this car retrieval."
	MsgPhotoFailed         = "Failed to process car photo. Please try again."
	MsgNoParkedCar         = "No parked car found for your phone number."
	MsgStatusNotDriver     = "Only registered drivers can update their status."
	MsgStatusHasAssignment = "You cannot go free while a car is assigned to you."
	MsgTryAgain            = "Something went wrong on our side. Please try again."
)

func MsgCheckInLink(link string) string {
	return fmt.Sprintf("Your check-in QR code is ready. Please scan it at the parking gate. QR Link: %s", link)
}

func MsgOwnerCheckedIn(slot int, driver string) string {
	return fmt.Sprintf("Your car checked in at Slot [%d] by Driver [%s].", slot, driver)
}

func MsgDriverAssigned(plate string, slot int) string {
	return fmt.Sprintf("Assigned Car [%s]. Please park it at Slot [%d].", plate, slot)
}

func MsgDriverPrompted(plate string) string {
	return fmt.Sprintf("You have been assigned car [%s]. Send a photo once it is parked.", plate)
}

func MsgOwnerPhoto(url string) string {
	return fmt.Sprintf("Your car photo is available here: %s", url)
}

func MsgDriverParked(plate string) string {
	return fmt.Sprintf("Car [%s] marked as parked. Thank you!", plate)
}

func MsgRetrievalOwner(plate, driver, driverPhone string) string {
	return fmt.Sprintf("Your retrieval request for car %s has been sent. Driver %s (%s) has been assigned and will contact you shortly.",
		plate, driver, driverPhone)
}

func MsgRetrievalDriver(plate, owner, ownerPhone string, slot int) string {
	return fmt.Sprintf("New retrieval request for car %s (Owner: %s, Phone: %s). Please proceed to Slot %d for retrieval.",
		plate, owner, ownerPhone, slot)
}

func MsgRetrievedOwner(plate string) string {
	return fmt.Sprintf("Your car %s has been successfully retrieved.", plate)
}

func MsgRetrievedDriver(plate string) string {
	return fmt.Sprintf("Car retrieval process completed for %s.", plate)
}

func MsgStatusUpdated(status string) string {
	return fmt.Sprintf("Your status has been updated to %s.", status)
}

func MsgCheckInHandedOver(plate, driver string) string {
	return fmt.Sprintf("Car [%s] checked in and assigned to Driver [%s].", plate, driver)
}
