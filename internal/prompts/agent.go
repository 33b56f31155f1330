package prompts

// IterationLimitResponse is returned to the user when the tool loop
// hits its iteration cap without a final answer.
const IterationLimitResponse = "I couldn't complete that request. Please try asking in a simpler way or break it into smaller questions."

// EmptyResponseFallback is returned when the model finishes without
// any text.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
