package provisioner

// upsertParam writes an ir_config_parameter row, creating it when the
// template lacks the key.
const upsertParam = `INSERT INTO ir_config_parameter (key, value, create_date, write_date, create_uid, write_uid)
VALUES ($1, $2, NOW(), NOW(), 1, 1)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, write_date = NOW()`

// ConfigureStatements returns the SQL that turns a fresh copy of the
// template into the tenant's database. Running it twice is harmless.
func ConfigureStatements(req Request) []Statement {
	company := req.CompanyName
	if company == "" {
		company = req.Subdomain
	}

	return []Statement{
		{SQL: upsertParam, Args: []any{"web.base.url", req.BaseURL}},
		{SQL: upsertParam, Args: []any{"web.base.url.freeze", "True"}},
		{SQL: upsertParam, Args: []any{"mail.catchall.domain", req.MailDomain}},
		{SQL: `UPDATE ir_config_parameter SET value = gen_random_uuid()::text, write_date = NOW() WHERE key = 'database.uuid'`},
		{SQL: `UPDATE res_company SET name = $1 WHERE id = 1`, Args: []any{company}},
		{SQL: `UPDATE res_partner SET name = $1 WHERE id = 1`, Args: []any{company}},
	}
}
