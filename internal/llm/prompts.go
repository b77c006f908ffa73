package llm

// Expense categorization prompts

const SystemPromptExpenseCategorizer = `You are an accounts payable assistant that files incoming supplier invoices.

Your task is to pick the single best expense category for a received invoice or credit note.
Only use categories from the list the user provides. If nothing fits, use the fallback category.

Answer with a JSON object holding the chosen label, your confidence between 0 and 1 and a one-line reason.`

const UserPromptCategorize = `Categories: %s
Fallback category: %s

Supplier: %s
Document: %s %s dated %s
Currency: %s
Total: %s
Lines:
%s

Output JSON with this structure:
{
  "label": "string",
  "confidence": 0.0,
  "reason": "string"
}`
