package prompt

// Template names, one per agent-facing step.
const (
	TemplateScout   = "scout"
	TemplateReview  = "review"
	TemplatePlan    = "plan"
	TemplateExecute = "execute"
	TemplateQA      = "qa"
	TemplatePR      = "pr"
)

var builtins = map[string]string{
	TemplateScout:   scoutTmpl,
	TemplateReview:  reviewTmpl,
	TemplatePlan:    planTmpl,
	TemplateExecute: executeTmpl,
	TemplateQA:      qaTmpl,
	TemplatePR:      prTmpl,
}

const scoutTmpl = `You are scouting the repository for improvement opportunities.

Focus on this module:
{{sector_path}}{{#if sector_purpose}} — {{sector_purpose}}{{/if}}

Allowed categories: {{categories}}

{{#if trajectory}}Active trajectory step:
{{trajectory}}

Proposals must serve this step.
{{/if}}{{#if learnings}}{{learnings}}

{{/if}}{{#if recent_work}}Recently considered work — do NOT propose anything similar:
{{recent_work}}

{{/if}}{{#if exploration_log}}Earlier scout passes this session found nothing usable:
{{exploration_log}}

Look at different files or a different angle this time.
{{/if}}{{#if hints}}Operator hints:
{{hints}}

{{/if}}Propose at most {{max_proposals}} concrete, independently shippable improvements.
For each, emit a JSON object with: category, title, description,
acceptance_criteria, verification_commands, allowed_paths, files,
confidence (0-100), impact_score (1-10), risk (low|medium|high),
rollback_note, touched_files_estimate.

Respond with a single JSON array. Propose nothing rather than padding the
list with low-value work.`

const reviewTmpl = `You are an adversarial reviewer. Another pass proposed the improvements
below. Re-score each one skeptically: is it real, is it worth doing, will
it survive review?

{{proposals}}

For each proposal emit {"title", "verdict": "accept"|"reject",
"impact_score" (1-10), "confidence" (0-100), "reason"}.
Respond with a single JSON array inside <reviewed-proposals> tags.`

const planTmpl = `You are planning ticket {{ticket_id}}: {{ticket_title}}

{{ticket_description}}

{{#if learnings}}{{learnings}}

{{/if}}Constraints:
- plan_required: true
- allowed paths: {{allowed_paths}}
{{#if max_lines}}- at most {{max_lines}} changed lines{{/if}}
{{#if last_rejection}}
Your previous plan was rejected: {{last_rejection}}
{{/if}}
Emit a JSON plan: {"approach", "files_to_touch": [{"path", "reason"}],
"steps", "estimated_lines"}. Do not edit any files yet.`

const executeTmpl = `Execute the committed plan for ticket {{ticket_id}}: {{ticket_title}}

Plan:
{{plan}}

{{#if learnings}}{{learnings}}

{{/if}}Rules:
- Touch only the planned files; every write is checked against the scope policy.
- Keep the change minimal and self-contained.
- Commit your work with a clear message when done.
{{#if qa_failure}}
The previous attempt failed QA:
{{qa_failure}}

Fix the failure; do not start over.
{{/if}}
When finished report a TICKET_RESULT event with status and changed files.`

const qaTmpl = `Run verification for ticket {{ticket_id}}: {{ticket_title}}

Required commands:
{{commands}}

Run each command, report QA_COMMAND_RESULT per command, then QA_PASSED or
QA_FAILED with the failing commands and error output.`

const prTmpl = `Create a pull request for ticket {{ticket_id}}: {{ticket_title}}

Branch: {{branch}}
{{#if draft}}Open the PR as a draft.
{{/if}}
Summarize what changed and why, reference the acceptance criteria, and
report a PR_CREATED event with the PR URL.`
