package mcpserver

// RecordFormatContract describes the canonical on-disk record formats that
// LLM consumers should follow when writing into the workspace.
const RecordFormatContract = `# Atlas Workspace Record Formats

Every record in an Atlas workspace is a plain file. The path decides what
kind of record it is; Atlas never inspects content to guess.

## Layout

` + "```" + `
accounts/<slug>/dashboard.json      vitals snapshot (JSON object)
accounts/<slug>/intelligence.md     narrative brief (Markdown + header)
accounts/<slug>/actions.json        action items (JSON list)
accounts/<slug>/meetings/<id>.md    meeting record (Markdown + header)
projects/<slug>/...                 same structure as accounts
people/<key>.md                     person profile (Markdown + header)
directives/<command>.json           pipeline checkpoint (managed by Atlas)
briefings/                          delivered artifacts (managed by Atlas)
archive/                            excluded from all scans
` + "```" + `

## Rules

1. **Markdown records start with a YAML header** between ` + "```" + `---` + "```" + ` fences,
   first thing in the file. A broken header is a projection error.
2. **Meeting headers** may carry ` + "`" + `start` + "`" + ` or ` + "`" + `occurred` + "`" + ` (ISO-8601),
   ` + "`" + `end` + "`" + `, ` + "`" + `attendees` + "`" + ` (list of ` + "`" + `Name <email>` + "`" + ` strings) and
   ` + "`" + `entities` + "`" + ` (list of entity ids or bare slugs).
3. **Person profile headers** may carry ` + "`" + `email` + "`" + `, ` + "`" + `org` + "`" + ` and ` + "`" + `role` + "`" + `.
4. **dashboard.json** is a single JSON object; unknown keys are kept as
   metadata, not rejected.
5. **actions.json** is either a bare JSON list of actions or an object
   with an ` + "`" + `actions` + "`" + ` key. Each action has ` + "`" + `text` + "`" + `, optional ` + "`" + `status` + "`" + `
   (open, in_progress, completed, cancelled), ` + "`" + `due` + "`" + ` and ` + "`" + `assignee` + "`" + `.
6. **File paths** use forward slashes. Dotfiles and anything under
   ` + "`" + `archive/` + "`" + ` are ignored.
7. **Encoding** is UTF-8 with a trailing newline.

## Enrichment

Pipeline directives at ` + "`" + `directives/<command>.json` + "`" + ` carry an ` + "`" + `outputs` + "`" + `
map pre-seeded with the literal value ` + "`" + `PENDING` + "`" + `. Enrichers replace each
PENDING value with real content and leave everything else in the file
untouched. Atlas delivers only when no PENDING values remain.
`
